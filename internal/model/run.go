package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
// Legal transitions: queued → in_progress → {completed, failed, cancelled},
// plus queued → failed for producers that die before their first event.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// runTransitions is the closed set of legal run status transitions.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:     {RunStatusInProgress, RunStatusFailed, RunStatusCancelled},
	RunStatusInProgress: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// Terminal reports whether no further transitions are permitted.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, t := range runTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Run is one execution of the agent against a thread in response to one
// user message. Once terminal, a run is immutable.
type Run struct {
	ID              uuid.UUID  `json:"id"`
	ThreadID        uuid.UUID  `json:"thread_id"`
	Status          RunStatus  `json:"status"`
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

// TokenUsage is the aggregate token accounting for a run.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	// Estimated marks counts derived heuristically rather than reported
	// by the producer's completion event.
	Estimated bool `json:"estimated"`
}

// EstimateTokens is the heuristic fallback when the producer never reports
// authoritative usage: roughly four characters per token.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64(len(text)+3) / 4
}
