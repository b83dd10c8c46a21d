package kaiwa

import (
	"time"

	"github.com/google/uuid"
)

// Thread mirrors the server's thread resource for API consumers.
type Thread struct {
	ID        uuid.UUID `json:"id"`
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one persisted turn in a thread. Assistant messages carry a
// link to the run that produced them.
type Message struct {
	ID        uuid.UUID  `json:"id"`
	ThreadID  uuid.UUID  `json:"thread_id"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ThreadWithMessages is the response shape for GET /v1/threads/{thread_id}.
type ThreadWithMessages struct {
	Thread   Thread    `json:"thread"`
	Messages []Message `json:"messages"`
}

// Run statuses as reported by the server.
const (
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
)

// Run is one execution of the agent against a thread. Once terminal, a run
// is immutable.
type Run struct {
	ID              uuid.UUID  `json:"id"`
	ThreadID        uuid.UUID  `json:"thread_id"`
	Status          string     `json:"status"`
	InputTokens     int64      `json:"input_tokens"`
	OutputTokens    int64      `json:"output_tokens"`
	TotalTokens     int64      `json:"total_tokens"`
	TokensEstimated bool       `json:"tokens_estimated"`
	CostUSD         float64    `json:"cost_usd"`
	Error           *string    `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	Version         int64      `json:"version"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Step is one unit of work inside a run: a model-generation segment or a
// tool invocation.
type Step struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolType   string         `json:"tool_type,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	LatencyMs  int64          `json:"latency_ms"`
	Tokens     int64          `json:"tokens"`
	StartedAt  time.Time      `json:"started_at"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CreateThreadRequest is the body for POST /v1/agents/{agent_id}/threads.
// An empty Title lets the server derive one from the first user message.
type CreateThreadRequest struct {
	Title string `json:"title,omitempty"`
}

// TurnRequest is the body for POST /v1/agents/{agent_id}/turns. A nil
// ThreadID starts a new thread.
type TurnRequest struct {
	ThreadID *uuid.UUID `json:"thread_id,omitempty"`
	Message  string     `json:"message"`
}

// TurnEventType tags one NDJSON frame of a turn stream.
type TurnEventType string

const (
	TurnEventToken      TurnEventType = "token"
	TurnEventTraceStart TurnEventType = "trace_start"
	TurnEventTraceEnd   TurnEventType = "trace_end"
	TurnEventHeartbeat  TurnEventType = "heartbeat"
	TurnEventDone       TurnEventType = "done"
	TurnEventError      TurnEventType = "error"
)

// TurnEvent is one decoded NDJSON frame. The populated fields depend on
// Type: Content for token frames, the Step*/Tool* fields for trace frames,
// the identifiers and TokensUsed for the done frame, Message for the error
// frame.
type TurnEvent struct {
	Type TurnEventType `json:"type"`
	TS   time.Time     `json:"ts"`

	// token
	Content string `json:"content,omitempty"`

	// trace_start / trace_end
	StepID    string         `json:"step_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolType  string         `json:"tool_type,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Status    string         `json:"status,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Tokens    int64          `json:"tokens,omitempty"`

	// done
	RunID      uuid.UUID `json:"run_id,omitempty"`
	ThreadID   uuid.UUID `json:"thread_id,omitempty"`
	MessageID  uuid.UUID `json:"message_id,omitempty"`
	TokensUsed int64     `json:"tokens_used,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// TurnResult is the terminal outcome of a successful turn stream, taken
// from the done frame.
type TurnResult struct {
	RunID      uuid.UUID
	ThreadID   uuid.UUID
	MessageID  uuid.UUID
	TokensUsed int64
}

// CancelResponse is the body for POST /v1/runs/{run_id}/cancel. The cancel
// is cooperative: the run keeps its current status until the server
// observes the flag.
type CancelResponse struct {
	RunID           uuid.UUID `json:"run_id"`
	Status          string    `json:"status"`
	CancelRequested bool      `json:"cancel_requested"`
}

// DeleteThreadResponse is the body for DELETE /v1/threads/{thread_id}.
type DeleteThreadResponse struct {
	Deleted bool `json:"deleted"`
	Hard    bool `json:"hard"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
