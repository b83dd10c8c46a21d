package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kaiwa/internal/config"
	"github.com/ashita-ai/kaiwa/internal/orchestrator"
	"github.com/ashita-ai/kaiwa/internal/producer"
	"github.com/ashita-ai/kaiwa/internal/ratelimit"
	"github.com/ashita-ai/kaiwa/internal/server"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/stream"
	"github.com/ashita-ai/kaiwa/internal/telemetry"
	"github.com/ashita-ai/kaiwa/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KAIWA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kaiwa starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create the agent-execution producer. Only the echo producer ships
	// in-tree; a real deployment swaps this for an LLM-backed engine.
	prod := producer.Echo{Delay: 10 * time.Millisecond}

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

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.TurnRateLimit > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.TurnRateLimit, cfg.TurnRateBurst)
		defer func() { _ = limiter.Close() }()
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

	// Run the server and the shutdown watcher as a group: either a server
	// error or a signal brings both down.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown: stop accepting new turns, drain in-flight
		// streams. The timeout must cover a full turn plus finalization.
		slog.Info("kaiwa shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.MaxTurnDuration+30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("kaiwa stopped")
	return nil
}
