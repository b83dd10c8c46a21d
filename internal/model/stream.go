package model

import "github.com/google/uuid"

// StreamEventType tags a wire-level stream event.
type StreamEventType string

const (
	StreamEventToken      StreamEventType = "token"
	StreamEventTraceStart StreamEventType = "trace_start"
	StreamEventTraceEnd   StreamEventType = "trace_end"
	StreamEventHeartbeat  StreamEventType = "heartbeat"
	StreamEventDone       StreamEventType = "done"
	StreamEventError      StreamEventType = "error"
)

// StreamEvent is the closed set of events emitted on a turn's wire stream.
// Exactly one of DoneEvent or ErrorEvent terminates a stream, always last.
// The interface is sealed: only the types in this file implement it.
type StreamEvent interface {
	StreamEventType() StreamEventType
	// Terminal reports whether the event closes the stream.
	Terminal() bool
}

// TokenEvent carries one incremental text fragment.
type TokenEvent struct {
	Content string `json:"content"`
}

// TraceStartEvent announces the start of a tool invocation.
type TraceStartEvent struct {
	StepID   string         `json:"step_id"`
	ToolName string         `json:"tool_name"`
	ToolType string         `json:"tool_type"`
	Input    map[string]any `json:"input,omitempty"`
}

// TraceEndEvent announces the end of a tool invocation.
type TraceEndEvent struct {
	StepID    string         `json:"step_id"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	LatencyMs int64          `json:"latency_ms"`
	Tokens    int64          `json:"tokens"`
}

// HeartbeatEvent keeps the transport alive during generation gaps.
type HeartbeatEvent struct{}

// DoneEvent terminates a successful stream.
type DoneEvent struct {
	RunID      uuid.UUID `json:"run_id"`
	ThreadID   uuid.UUID `json:"thread_id"`
	MessageID  uuid.UUID `json:"message_id"`
	TokensUsed int64     `json:"tokens_used"`
}

// ErrorEvent terminates a failed stream. Message is user-safe: internal
// error detail never crosses the wire.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (TokenEvent) StreamEventType() StreamEventType      { return StreamEventToken }
func (TraceStartEvent) StreamEventType() StreamEventType { return StreamEventTraceStart }
func (TraceEndEvent) StreamEventType() StreamEventType   { return StreamEventTraceEnd }
func (HeartbeatEvent) StreamEventType() StreamEventType  { return StreamEventHeartbeat }
func (DoneEvent) StreamEventType() StreamEventType       { return StreamEventDone }
func (ErrorEvent) StreamEventType() StreamEventType      { return StreamEventError }

func (TokenEvent) Terminal() bool      { return false }
func (TraceStartEvent) Terminal() bool { return false }
func (TraceEndEvent) Terminal() bool   { return false }
func (HeartbeatEvent) Terminal() bool  { return false }
func (DoneEvent) Terminal() bool       { return true }
func (ErrorEvent) Terminal() bool      { return true }
