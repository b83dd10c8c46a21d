// Package server implements the HTTP API server for Kaiwa.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kaiwa/internal/orchestrator"
	"github.com/ashita-ai/kaiwa/internal/ratelimit"
	"github.com/ashita-ai/kaiwa/internal/storage"
)

// Server is the Kaiwa HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger

	// Optional: nil disables rate limiting on the turn endpoint.
	Limiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Orchestrator:        cfg.Orchestrator,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	turnRL := turnRateLimitMiddleware(cfg.Limiter, cfg.Logger)

	mux := http.NewServeMux()

	// Turns: the streamed conversational surface.
	mux.Handle("POST /v1/agents/{agent_id}/turns", turnRL(http.HandlerFunc(h.HandleCreateTurn)))

	// Threads.
	mux.HandleFunc("POST /v1/agents/{agent_id}/threads", h.HandleCreateThread)
	mux.HandleFunc("GET /v1/agents/{agent_id}/threads", h.HandleListThreads)
	mux.HandleFunc("GET /v1/threads/{thread_id}", h.HandleGetThread)
	mux.HandleFunc("DELETE /v1/threads/{thread_id}", h.HandleDeleteThread)

	// Runs and steps: the audit surface.
	mux.HandleFunc("GET /v1/threads/{thread_id}/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/steps", h.HandleListSteps)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, draining in-flight turns.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
