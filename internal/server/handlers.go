package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/orchestrator"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/stream"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	orch                *orchestrator.Orchestrator
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Orchestrator        *orchestrator.Orchestrator
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		orch:                d.Orchestrator,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleCreateTurn handles POST /v1/agents/{agent_id}/turns.
//
// On success the response is an NDJSON event stream. Failures that occur
// before the first frame (validation, unknown thread, busy lease) come
// back as plain JSON errors; after streaming starts, failures arrive as a
// terminal error frame inside the stream.
func (h *Handlers) HandleCreateTurn(w http.ResponseWriter, r *http.Request) {
	var req model.TurnRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.AgentID = r.PathValue("agent_id")

	transport, err := stream.NewHTTPTransport(w)
	if err != nil {
		h.logger.Error("turn transport", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	result, err := h.orch.Turn(r.Context(), req, transport)
	if err != nil {
		h.writeTurnError(w, r, err)
		return
	}

	h.logger.Info("turn finished",
		"run_id", result.Run.ID,
		"thread_id", result.Thread.ID,
		"status", result.Run.Status,
		"total_tokens", result.Run.TotalTokens,
		"disconnected", result.Disconnected,
		"request_id", RequestIDFromContext(r.Context()),
	)
}

// writeTurnError maps pre-stream turn failures to HTTP error responses.
func (h *Handlers) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "thread not found")
	case errors.Is(err, storage.ErrLeaseHeld):
		writeError(w, r, http.StatusConflict, model.ErrCodeBusy, "a run is already in progress on this thread")
	default:
		h.logger.Error("turn failed before stream", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// --- Shared helpers ---

func parseThreadID(r *http.Request) (uuid.UUID, error) {
	return parsePathUUID(r, "thread_id")
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	return parsePathUUID(r, "run_id")
}

func parsePathUUID(r *http.Request, key string) (uuid.UUID, error) {
	s := r.PathValue(key)
	if s == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, s)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 200

// maxQueryOffset prevents absurdly large offset values that cause expensive
// sequential scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}
