// Package kaiwa is the public API for embedding the Kaiwa streaming run
// orchestrator.
//
// Consumers import this package to run the server with their own
// agent-execution engine instead of forking it:
//
//	app, err := kaiwa.New(
//	    kaiwa.WithVersion(version),
//	    kaiwa.WithLogger(logger),
//	    kaiwa.WithProducer(myLLMProducer{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kaiwa (root) imports
// internal/*, but internal/* never imports kaiwa (root). Public types
// (Thread, Message, Event) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package kaiwa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kaiwa/internal/config"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/orchestrator"
	"github.com/ashita-ai/kaiwa/internal/producer"
	"github.com/ashita-ai/kaiwa/internal/ratelimit"
	"github.com/ashita-ai/kaiwa/internal/server"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/stream"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
	"github.com/ashita-ai/kaiwa/migrations"
)

// App is the Kaiwa server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kaiwa server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kaiwa starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Run extra (consumer-supplied) migrations after the embedded ones.
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Agent-execution producer — external override takes priority over the
	// built-in echo producer.
	var prod orchestrator.Producer
	if o.producer != nil {
		prod = &producerAdapter{p: o.producer}
	} else {
		prod = producer.Echo{Delay: 10 * time.Millisecond}
		logger.Info("producer: built-in echo (no WithProducer override)")
	}

	orch := orchestrator.New(db, prod, logger, orchestrator.Config{
		Stream: stream.Config{
			MaxBatch:          cfg.StreamMaxBatch,
			FlushInterval:     cfg.StreamFlushInterval,
			HeartbeatInterval: cfg.StreamHeartbeatInterval,
		},
		MaxTurnDuration:    cfg.MaxTurnDuration,
		LeaseTTL:           cfg.LeaseTTL,
		CancelPollInterval: cfg.CancelPollInterval,
		CostPer1KTokens:    cfg.CostPer1KTokens,
	})

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.TurnRateLimit > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.TurnRateLimit, cfg.TurnRateBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.TurnRateLimit, "burst", cfg.TurnRateBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Orchestrator:        orch,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting new turns and drains in-flight streams, then
// closes the rate limiter, the database pool, and the OTEL provider. The
// drain window covers one full turn plus finalization.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaiwa shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.MaxTurnDuration+30*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kaiwa stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// producerAdapter wraps a public kaiwa.Producer to satisfy
// orchestrator.Producer. It converts internal model types to public kaiwa
// types at the boundary.
type producerAdapter struct {
	p Producer
}

func (a *producerAdapter) Generate(ctx context.Context, thread model.Thread, history []model.Message) (<-chan model.ProducerEvent, error) {
	in, err := a.p.Generate(ctx, toPublicThread(thread), toPublicMessages(history))
	if err != nil {
		return nil, err
	}

	out := make(chan model.ProducerEvent)
	go func() {
		defer close(out)
		for ev := range in {
			select {
			case out <- toModelEvent(ev):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func toPublicThread(t model.Thread) Thread {
	return Thread{
		ID:        t.ID,
		AgentID:   t.AgentID,
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
	}
}

func toPublicMessages(history []model.Message) []Message {
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = Message{
			ID:        m.ID,
			ThreadID:  m.ThreadID,
			Role:      Role(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return out
}

func toModelEvent(ev Event) model.ProducerEvent {
	switch e := ev.(type) {
	case Delta:
		return model.GenerationDelta{Text: e.Text}
	case ToolCallStart:
		return model.ToolCallStarted{ID: e.ID, Name: e.Name, Type: e.Type, Input: e.Input}
	case ToolCallEnd:
		return model.ToolCallFinished{ID: e.ID, Status: e.Status, Output: e.Output, LatencyMs: e.LatencyMs, Tokens: e.Tokens}
	case Complete:
		return model.GenerationComplete{InputTokens: e.InputTokens, OutputTokens: e.OutputTokens, TotalTokens: e.TotalTokens}
	case Failure:
		return model.GenerationError{Message: e.Message}
	default:
		// Unknown event types cannot occur: Event is a sealed interface.
		return model.GenerationError{Message: "internal error"}
	}
}
