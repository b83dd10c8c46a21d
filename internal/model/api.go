package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for turn requests. These bound what a single request
// can push into Postgres TEXT columns and the producer's context window.
const (
	MaxAgentIDLen = 200
	MaxMessageLen = 256 * 1024 // 256 KB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data   any          `json:"data"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Meta   ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeBusy          = "BUSY"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// TurnRequest is the request body for POST /v1/agents/{agent_id}/turns.
// AgentID comes from the URL, not the body.
type TurnRequest struct {
	AgentID  string     `json:"-"`
	ThreadID *uuid.UUID `json:"thread_id,omitempty"`
	Message  string     `json:"message"`
}

// Validate checks a turn request before any state is created.
func (r TurnRequest) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if len(r.AgentID) > MaxAgentIDLen {
		return fmt.Errorf("agent_id exceeds maximum length of %d characters", MaxAgentIDLen)
	}
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// CreateThreadRequest is the request body for POST /v1/agents/{agent_id}/threads.
type CreateThreadRequest struct {
	AgentID string `json:"-"`
	Title   string `json:"title,omitempty"`
}

// Validate checks a thread creation request.
func (r CreateThreadRequest) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if len(r.AgentID) > MaxAgentIDLen {
		return fmt.Errorf("agent_id exceeds maximum length of %d characters", MaxAgentIDLen)
	}
	if len([]rune(r.Title)) > MaxThreadTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxThreadTitleLen)
	}
	return nil
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// ThreadWithMessages is the response shape for GET /v1/threads/{thread_id}.
type ThreadWithMessages struct {
	Thread   Thread    `json:"thread"`
	Messages []Message `json:"messages"`
}
