package kaiwa

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Thread is a conversation as seen by an external producer. It is a
// standalone mirror of the internal thread type so producer implementations
// never import internal packages.
type Thread struct {
	ID        uuid.UUID
	AgentID   string
	Title     string
	CreatedAt time.Time
}

// Message is one turn of conversation history handed to a producer.
type Message struct {
	ID        uuid.UUID
	ThreadID  uuid.UUID
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Event is the closed set of events a Producer may emit. Exactly one
// terminal event (Complete or Failure) ends the sequence; the producer
// closes the channel after it.
type Event interface {
	event()
}

// Delta carries one incremental fragment of generated text.
type Delta struct {
	Text string
}

// ToolCallStart announces a tool invocation. ID correlates the matching
// ToolCallEnd.
type ToolCallStart struct {
	ID    string
	Name  string
	Type  string
	Input map[string]any
}

// ToolCallEnd closes a tool invocation.
type ToolCallEnd struct {
	ID        string
	Status    string
	Output    map[string]any
	LatencyMs int64
	Tokens    int64
}

// Complete signals normal end of generation. Zero token totals mean the
// producer could not report usage and the server falls back to heuristic
// estimation.
type Complete struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// Failure signals producer failure. Message must be safe to show to end
// users; it is streamed verbatim to the client.
type Failure struct {
	Message string
}

func (Delta) event()         {}
func (ToolCallStart) event() {}
func (ToolCallEnd) event()   {}
func (Complete) event()      {}
func (Failure) event()       {}
