package model

// ProducerEvent is the closed set of events the agent-execution producer
// emits. The producer guarantees every ToolCallStarted is eventually
// followed by a matching ToolCallFinished before the terminal event; the
// orchestrator force-terminalizes dangling steps when it is not.
type ProducerEvent interface {
	producerEvent()
}

// GenerationDelta carries one incremental fragment of generated text.
type GenerationDelta struct {
	Text string
}

// ToolCallStarted announces a tool invocation. ID correlates the matching
// ToolCallFinished.
type ToolCallStarted struct {
	ID    string
	Name  string
	Type  string
	Input map[string]any
}

// ToolCallFinished closes a tool invocation.
type ToolCallFinished struct {
	ID        string
	Status    string
	Output    map[string]any
	LatencyMs int64
	Tokens    int64
}

// GenerationComplete signals normal end of generation with authoritative
// token usage. Zero totals mean the producer could not report usage and the
// orchestrator falls back to heuristic estimation.
type GenerationComplete struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// GenerationError signals producer failure. Message must be user-safe; it
// is surfaced verbatim on the wire.
type GenerationError struct {
	Message string
}

func (GenerationDelta) producerEvent()    {}
func (ToolCallStarted) producerEvent()    {}
func (ToolCallFinished) producerEvent()   {}
func (GenerationComplete) producerEvent() {}
func (GenerationError) producerEvent()    {}
