package model

import (
	"time"

	"github.com/google/uuid"
)

// StepType distinguishes generation segments from tool invocations.
type StepType string

const (
	StepTypeMessage  StepType = "message"
	StepTypeToolCall StepType = "tool_call"
)

// StepStatus represents the lifecycle state of a step.
// Legal transitions: pending → running → {completed, failed}.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending: {StepStatusRunning, StepStatusFailed},
	StepStatusRunning: {StepStatusCompleted, StepStatusFailed},
}

// Terminal reports whether no further transitions are permitted.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	for _, t := range stepTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Step is one unit of work inside a run: either a model-generation segment
// or a tool invocation. Steps within a run are ordered by start time, and a
// tool_call step reaches a terminal state before its run does.
type Step struct {
	ID     uuid.UUID  `json:"id"`
	RunID  uuid.UUID  `json:"run_id"`
	Type   StepType   `json:"type"`
	Status StepStatus `json:"status"`

	// ToolCallID is the producer's correlation id for tool_call steps.
	// Empty for message segments.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolType   string `json:"tool_type,omitempty"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	LatencyMs int64 `json:"latency_ms"`
	Tokens    int64 `json:"tokens"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
