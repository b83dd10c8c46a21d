// Package runstate owns the legal lifecycle transitions for a run and its
// steps. It is the only component that mutates status fields: the
// orchestrator feeds it producer events, it keeps the durable record
// consistent. Terminal states are write-once; rejected transitions are
// logged, never raised, so a retried finalization cannot double-book token
// counts or costs.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/storage"
)

// StepStatusSuccess is the ToolCallFinished status value that completes a
// step; every other value fails it.
const StepStatusSuccess = "success"

// Store is the persistence surface the machine writes through.
// *storage.DB satisfies it; tests substitute fakes.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	UpdateRun(ctx context.Context, r *model.Run) error
	CreateStep(ctx context.Context, step model.Step) (model.Step, error)
	UpdateStep(ctx context.Context, step model.Step) error
}

// Machine drives one run's state. It is exclusively owned by the single
// orchestrator instance processing the turn and is not safe for concurrent
// use.
type Machine struct {
	store  Store
	logger *slog.Logger

	run             model.Run
	costPer1KTokens float64

	// Open tool steps by the producer's correlation id.
	toolSteps map[string]*model.Step
	// Current generation segment, nil between segments.
	genStep *model.Step
	genText strings.Builder
	// Accumulated assistant text across all generation segments.
	allText strings.Builder

	// Incremental running average of tool-call latency. Avoids re-reading
	// the full step list for the latency statistics exposed upstream.
	latencyMeanMs float64
	latencyCount  int64

	// usageFinal marks that terminal token accounting has been applied, so
	// a finalization retried after a storage failure cannot double-count.
	usageFinal bool
}

// New creates a machine for a freshly created (queued) run.
// inputTokens is the heuristic estimate for the prompt context; it is
// replaced by the producer's authoritative count on completion when one is
// reported.
func New(store Store, logger *slog.Logger, run model.Run, inputTokens int64, costPer1KTokens float64) *Machine {
	run.InputTokens = inputTokens
	run.TokensEstimated = true
	return &Machine{
		store:           store,
		logger:          logger,
		run:             run,
		costPer1KTokens: costPer1KTokens,
		toolSteps:       make(map[string]*model.Step),
	}
}

// Run returns a snapshot of the run's current state.
func (m *Machine) Run() model.Run { return m.run }

// Text returns the assistant text accumulated across all generation
// segments so far.
func (m *Machine) Text() string {
	if m.genStep != nil {
		return m.allText.String() + m.genText.String()
	}
	return m.allText.String()
}

// MeanToolLatencyMs returns the running average latency of completed tool
// steps.
func (m *Machine) MeanToolLatencyMs() float64 { return m.latencyMeanMs }

// Begin transitions the run queued → in_progress on the first producer
// event and persists the start timestamp. Idempotent: later calls are
// no-ops.
func (m *Machine) Begin(ctx context.Context) error {
	if m.run.Status != model.RunStatusQueued {
		return nil
	}
	now := time.Now().UTC()
	m.run.Status = model.RunStatusInProgress
	m.run.StartedAt = &now
	if err := m.store.UpdateRun(ctx, &m.run); err != nil {
		return fmt.Errorf("runstate: begin run: %w", err)
	}
	return nil
}

// AppendDelta feeds one generation fragment into the current message
// segment, opening a new segment if none is running.
func (m *Machine) AppendDelta(ctx context.Context, text string) error {
	if m.run.Status.Terminal() {
		m.logger.Warn("runstate: delta after terminal run ignored", "run_id", m.run.ID)
		return nil
	}
	if m.genStep == nil {
		step, err := m.store.CreateStep(ctx, model.Step{
			RunID:     m.run.ID,
			Type:      model.StepTypeMessage,
			Status:    model.StepStatusRunning,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("runstate: open generation segment: %w", err)
		}
		m.genStep = &step
		m.genText.Reset()
	}
	m.genText.WriteString(text)
	return nil
}

// StartTool closes any open generation segment and opens a running
// tool_call step for the producer's ToolCallStarted event.
func (m *Machine) StartTool(ctx context.Context, ev model.ToolCallStarted) (model.Step, error) {
	if m.run.Status.Terminal() {
		m.logger.Warn("runstate: tool start after terminal run ignored", "run_id", m.run.ID, "tool_call_id", ev.ID)
		return model.Step{}, nil
	}
	if err := m.closeGenSegment(ctx, model.StepStatusCompleted); err != nil {
		return model.Step{}, err
	}

	step, err := m.store.CreateStep(ctx, model.Step{
		RunID:      m.run.ID,
		Type:       model.StepTypeToolCall,
		Status:     model.StepStatusRunning,
		ToolCallID: ev.ID,
		ToolName:   ev.Name,
		ToolType:   ev.Type,
		Input:      ev.Input,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		return model.Step{}, fmt.Errorf("runstate: start tool step: %w", err)
	}
	m.toolSteps[ev.ID] = &step
	return step, nil
}

// FinishTool terminalizes the tool step matching the producer's
// ToolCallFinished event. An unmatched id is logged and reported via
// ok=false; it does not fail the run (the producer may have retried a call
// the machine never saw).
func (m *Machine) FinishTool(ctx context.Context, ev model.ToolCallFinished) (model.Step, bool, error) {
	step, ok := m.toolSteps[ev.ID]
	if !ok {
		m.logger.Warn("runstate: tool finish without matching start", "run_id", m.run.ID, "tool_call_id", ev.ID)
		return model.Step{}, false, nil
	}
	delete(m.toolSteps, ev.ID)

	now := time.Now().UTC()
	status := model.StepStatusFailed
	if ev.Status == StepStatusSuccess {
		status = model.StepStatusCompleted
	}
	if !step.Status.CanTransitionTo(status) {
		m.logger.Warn("runstate: illegal step transition rejected",
			"run_id", m.run.ID, "step_id", step.ID, "from", step.Status, "to", status)
		return *step, true, nil
	}

	step.Status = status
	step.Output = ev.Output
	step.CompletedAt = &now
	step.LatencyMs = ev.LatencyMs
	if step.LatencyMs == 0 {
		step.LatencyMs = now.Sub(step.StartedAt).Milliseconds()
	}
	step.Tokens = ev.Tokens

	if err := m.store.UpdateStep(ctx, *step); err != nil {
		return model.Step{}, false, fmt.Errorf("runstate: finish tool step: %w", err)
	}

	// Incremental accounting: tokens aggregate into the run, latency into
	// the running average.
	m.run.OutputTokens += ev.Tokens
	m.latencyCount++
	m.latencyMeanMs += (float64(step.LatencyMs) - m.latencyMeanMs) / float64(m.latencyCount)
	return *step, true, nil
}

// Complete finalizes the run as completed on normal producer end. Dangling
// tool steps are force-terminalized first so no step outlives its run.
// Zero usage totals fall back to heuristic estimation, flagged as such.
func (m *Machine) Complete(ctx context.Context, usage model.GenerationComplete) error {
	if m.rejectTerminal(model.RunStatusCompleted) {
		return nil
	}
	if err := m.closeGenSegment(ctx, model.StepStatusCompleted); err != nil {
		return err
	}
	if err := m.forceTerminalizeOpenSteps(ctx); err != nil {
		return err
	}

	if usage.TotalTokens > 0 {
		m.run.InputTokens = usage.InputTokens
		m.run.OutputTokens = usage.OutputTokens
		m.run.TotalTokens = usage.TotalTokens
		m.run.TokensEstimated = false
		m.run.CostUSD = float64(m.run.TotalTokens) / 1000 * m.costPer1KTokens
		m.usageFinal = true
	} else {
		m.applyEstimatedUsage()
	}

	return m.finalize(ctx, model.RunStatusCompleted, nil)
}

// Fail finalizes the run as failed with the given detail. Works from both
// queued (producer died before its first event) and in_progress.
func (m *Machine) Fail(ctx context.Context, detail string) error {
	if m.rejectTerminal(model.RunStatusFailed) {
		return nil
	}
	if err := m.closeGenSegment(ctx, model.StepStatusFailed); err != nil {
		return err
	}
	if err := m.forceTerminalizeOpenSteps(ctx); err != nil {
		return err
	}

	m.applyEstimatedUsage()

	return m.finalize(ctx, model.RunStatusFailed, &detail)
}

// Cancel finalizes the run as cancelled (explicit stop request). The reason
// is recorded in the error detail for the audit trail.
func (m *Machine) Cancel(ctx context.Context, reason string) error {
	if m.rejectTerminal(model.RunStatusCancelled) {
		return nil
	}
	if err := m.closeGenSegment(ctx, model.StepStatusFailed); err != nil {
		return err
	}
	if err := m.forceTerminalizeOpenSteps(ctx); err != nil {
		return err
	}

	m.applyEstimatedUsage()

	return m.finalize(ctx, model.RunStatusCancelled, &reason)
}

// applyEstimatedUsage folds the heuristic output estimate into the run
// totals. Applied at most once across finalization attempts.
func (m *Machine) applyEstimatedUsage() {
	if m.usageFinal {
		return
	}
	m.run.OutputTokens += model.EstimateTokens(m.allText.String())
	m.run.TotalTokens = m.run.InputTokens + m.run.OutputTokens
	m.run.TokensEstimated = true
	m.run.CostUSD = float64(m.run.TotalTokens) / 1000 * m.costPer1KTokens
	m.usageFinal = true
}

// rejectTerminal guards write-once terminal states. Returns true when the
// transition must be skipped.
func (m *Machine) rejectTerminal(to model.RunStatus) bool {
	if m.run.Status.Terminal() {
		m.logger.Warn("runstate: transition on terminal run rejected",
			"run_id", m.run.ID, "status", m.run.Status, "attempted", to)
		return true
	}
	if !m.run.Status.CanTransitionTo(to) {
		m.logger.Warn("runstate: illegal run transition rejected",
			"run_id", m.run.ID, "from", m.run.Status, "to", to)
		return true
	}
	return false
}

// closeGenSegment terminalizes the open generation segment, persisting its
// accumulated text and estimated tokens.
func (m *Machine) closeGenSegment(ctx context.Context, status model.StepStatus) error {
	if m.genStep == nil {
		return nil
	}
	now := time.Now().UTC()
	text := m.genText.String()

	step := m.genStep
	m.genStep = nil
	m.allText.WriteString(text)
	m.genText.Reset()

	step.Status = status
	step.Output = map[string]any{"text": text}
	step.Tokens = model.EstimateTokens(text)
	step.CompletedAt = &now
	step.LatencyMs = now.Sub(step.StartedAt).Milliseconds()

	if err := m.store.UpdateStep(ctx, *step); err != nil {
		return fmt.Errorf("runstate: close generation segment: %w", err)
	}
	return nil
}

// forceTerminalizeOpenSteps fails every tool step still open at
// finalization so no step is left dangling in a running state.
func (m *Machine) forceTerminalizeOpenSteps(ctx context.Context) error {
	now := time.Now().UTC()
	for id, step := range m.toolSteps {
		m.logger.Warn("runstate: force-terminalizing dangling tool step",
			"run_id", m.run.ID, "tool_call_id", id, "step_id", step.ID)
		step.Status = model.StepStatusFailed
		step.CompletedAt = &now
		step.LatencyMs = now.Sub(step.StartedAt).Milliseconds()
		if err := m.store.UpdateStep(ctx, *step); err != nil {
			return fmt.Errorf("runstate: force-terminalize step: %w", err)
		}
		delete(m.toolSteps, id)
	}
	return nil
}

// finalize writes the terminal run state. A version conflict (two
// finalizers racing) is retried once against a fresh read; if the fresh
// read shows the run already terminal, the retry is skipped — the other
// finalizer won and the result stands.
//
// On a failed write the in-memory state is restored to its pre-terminal
// value, so the caller can still finalize through another path (typically
// Fail) instead of being rejected by the write-once guard.
func (m *Machine) finalize(ctx context.Context, status model.RunStatus, detail *string) error {
	prev := m.run
	now := time.Now().UTC()
	m.run.Status = status
	m.run.Error = detail
	m.run.CompletedAt = &now

	err := m.store.UpdateRun(ctx, &m.run)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		m.run = prev
		return fmt.Errorf("runstate: finalize run: %w", err)
	}

	fresh, gerr := m.store.GetRun(ctx, m.run.ID)
	if gerr != nil {
		m.run = prev
		return fmt.Errorf("runstate: finalize run (conflict re-read): %w", gerr)
	}
	if fresh.Status.Terminal() {
		m.logger.Warn("runstate: run already finalized by another writer",
			"run_id", m.run.ID, "status", fresh.Status)
		m.run = fresh
		return nil
	}
	m.run.Version = fresh.Version
	m.run.CancelRequested = fresh.CancelRequested
	if err := m.store.UpdateRun(ctx, &m.run); err != nil {
		m.run = prev
		return fmt.Errorf("runstate: finalize run (retry): %w", err)
	}
	return nil
}
