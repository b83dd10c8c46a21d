package kaiwa

import (
	"context"
)

// Producer is the agent-execution engine behind a turn. When provided via
// WithProducer, it replaces the built-in echo producer.
//
// Generate returns a lazy sequence of typed events and must close the
// channel after the terminal Complete or Failure. The producer must
// suspend between sends and treat ctx cancellation as abandonment: stop
// generating and return promptly. Every ToolCallStart should eventually be
// followed by a matching ToolCallEnd; the server force-closes dangling
// tool calls when it is not.
//
// Uses standalone Thread/Message/Event types so implementations never
// depend on internal packages. App wraps the Producer in an adapter for
// internal use.
type Producer interface {
	Generate(ctx context.Context, thread Thread, history []Message) (<-chan Event, error)
}
