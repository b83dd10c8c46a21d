// Package producer holds agent-execution producers. The orchestrator only
// sees the event channel; what generates the events is deployment-specific.
package producer

import (
	"context"
	"strings"
	"time"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// Echo is a development producer: it streams the last user message back
// word by word and reports authoritative token usage. It exists so the
// service runs end-to-end without an LLM backend attached.
type Echo struct {
	// Delay between deltas; zero streams as fast as the channel drains.
	Delay time.Duration
}

// Generate implements orchestrator.Producer.
func (e Echo) Generate(ctx context.Context, _ model.Thread, history []model.Message) (<-chan model.ProducerEvent, error) {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleUser {
			last = history[i].Content
			break
		}
	}

	out := make(chan model.ProducerEvent)
	go func() {
		defer close(out)

		emit := func(ev model.ProducerEvent) bool {
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return false
				}
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		words := strings.Fields(last)
		var written int64
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if !emit(model.GenerationDelta{Text: w}) {
				return
			}
			written += model.EstimateTokens(w)
		}

		var input int64
		for _, m := range history {
			input += model.EstimateTokens(m.Content)
		}
		emit(model.GenerationComplete{
			InputTokens:  input,
			OutputTokens: written,
			TotalTokens:  input + written,
		})
	}()
	return out, nil
}
