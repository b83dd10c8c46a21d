// Package orchestrator drives one conversational turn end-to-end: it
// resolves the thread, appends the user message, creates the run, pumps the
// agent-execution producer, and forks every producer event to the event
// framer (delivery) and the run state machine (durable bookkeeping).
//
// The invariant the package exists to hold: the stream may die, the
// conversation state must not. Client disconnect stops delivery only; the
// producer runs to natural completion and the run, steps, and assistant
// message are persisted regardless.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstate"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/stream"
)

// ErrInvalidRequest wraps request validation failures surfaced before any
// state is created.
var ErrInvalidRequest = errors.New("orchestrator: invalid request")

// internalErrorMessage is the only failure text internal errors are allowed
// to put on the wire. Detail stays in server-side logs and the run record.
const internalErrorMessage = "internal error"

// timeoutMessage is both the wire message and the run error detail when a
// turn exceeds its maximum duration.
const timeoutMessage = "turn exceeded maximum duration"

// Producer is the agent-execution engine. Generate returns a lazy sequence
// of typed events; the channel is closed after the terminal
// GenerationComplete or GenerationError. The producer must suspend between
// events and respect ctx cancellation as abandonment.
type Producer interface {
	Generate(ctx context.Context, thread model.Thread, history []model.Message) (<-chan model.ProducerEvent, error)
}

// Store is the persistence surface one turn needs. *storage.DB satisfies
// it; orchestrator tests substitute an in-memory fake.
type Store interface {
	runstate.Store

	CreateThread(ctx context.Context, agentID, title string) (model.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error)
	TouchThread(ctx context.Context, id uuid.UUID) error

	CreateMessage(ctx context.Context, threadID uuid.UUID, role model.MessageRole, content string, runID *uuid.UUID) (model.Message, error)
	ListMessagesByThread(ctx context.Context, threadID uuid.UUID) ([]model.Message, error)

	CreateRun(ctx context.Context, threadID uuid.UUID) (model.Run, error)
	RunCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	AcquireThreadLease(ctx context.Context, threadID, ownerID uuid.UUID, ttl time.Duration) error
	RenewThreadLease(ctx context.Context, threadID, ownerID uuid.UUID, ttl time.Duration) error
	ReleaseThreadLease(ctx context.Context, threadID, ownerID uuid.UUID) error
}

// Config holds per-turn policy.
type Config struct {
	// Stream is the framer's buffering and heartbeat policy.
	Stream stream.Config
	// MaxTurnDuration force-finalizes the run as failed when exceeded.
	MaxTurnDuration time.Duration
	// LeaseTTL bounds how long a crashed orchestrator can block a thread.
	LeaseTTL time.Duration
	// CancelPollInterval is how often the cooperative cancel flag is read.
	CancelPollInterval time.Duration
	// CostPer1KTokens converts token totals into a cost estimate.
	CostPer1KTokens float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Stream:             stream.DefaultConfig(),
		MaxTurnDuration:    5 * time.Minute,
		LeaseTTL:           time.Minute,
		CancelPollInterval: 2 * time.Second,
		CostPer1KTokens:    0,
	}
}

// Orchestrator creates and runs turns. Safe for concurrent use; each Turn
// call is independent.
type Orchestrator struct {
	store    Store
	producer Producer
	logger   *slog.Logger
	cfg      Config
}

// New creates an orchestrator.
func New(store Store, producer Producer, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.MaxTurnDuration <= 0 {
		cfg.MaxTurnDuration = DefaultConfig().MaxTurnDuration
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = DefaultConfig().CancelPollInterval
	}
	return &Orchestrator{store: store, producer: producer, logger: logger, cfg: cfg}
}

// Result reports the durable outcome of a turn.
type Result struct {
	Thread model.Thread
	Run    model.Run
	// AssistantMessage is nil only when a failed run produced no text.
	AssistantMessage *model.Message
	// Disconnected reports whether the client went away mid-stream.
	Disconnected bool
}

// Turn executes one conversational turn against the transport.
//
// Errors are returned only for failures that occur before any frame could
// be streamed (validation, unknown thread, busy lease, storage failure
// during setup) — the caller maps those to plain HTTP errors. Once the
// producer starts, all failures surface as a terminal error frame plus a
// failed run, and Turn returns the result with a nil error.
func (o *Orchestrator) Turn(ctx context.Context, req model.TurnRequest, transport stream.Transport) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}

	thread, err := o.resolveThread(ctx, req)
	if err != nil {
		return Result{}, err
	}

	// The run-lease serializes turns per thread. Acquired before any state
	// is created so the losing side of a race gets Busy with no run and no
	// message of its own.
	ownerID := uuid.New()
	if err := o.store.AcquireThreadLease(ctx, thread.ID, ownerID, o.cfg.LeaseTTL); err != nil {
		return Result{}, err
	}

	// Persistence after this point must survive client disconnect: the
	// request context dies with the client, so all durable writes use a
	// detached context.
	dctx := context.WithoutCancel(ctx)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(dctx, 10*time.Second)
		defer cancel()
		if err := o.store.ReleaseThreadLease(releaseCtx, thread.ID, ownerID); err != nil {
			o.logger.Error("orchestrator: release thread lease", "error", err, "thread_id", thread.ID)
		}
	}()

	// The user message must be durable before generation begins: a run is
	// always attributable to a prior user message.
	if _, err := o.store.CreateMessage(ctx, thread.ID, model.RoleUser, req.Message, nil); err != nil {
		return Result{}, fmt.Errorf("orchestrator: persist user message: %w", err)
	}
	if err := o.store.TouchThread(ctx, thread.ID); err != nil {
		o.logger.Warn("orchestrator: touch thread", "error", err, "thread_id", thread.ID)
	}

	history, err := o.store.ListMessagesByThread(ctx, thread.ID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: load history: %w", err)
	}

	run, err := o.store.CreateRun(ctx, thread.ID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: create run: %w", err)
	}

	machine := runstate.New(o.store, o.logger, run, estimateHistoryTokens(history), o.cfg.CostPer1KTokens)

	framer := stream.NewFramer(transport, o.logger, o.cfg.Stream)
	framerCtx, stopFramer := context.WithCancel(dctx)
	defer stopFramer()
	go framer.Run(framerCtx)

	// The producer is bounded by the turn duration, never by the client
	// connection.
	producerCtx, cancelProducer := context.WithCancel(dctx)
	defer cancelProducer()

	result := o.pump(dctx, producerCtx, cancelProducer, thread, ownerID, machine, framer, history)

	// Let the framer drain the terminal frame before the transport goes
	// out of scope.
	select {
	case <-framer.Done():
	case <-time.After(5 * time.Second):
		o.logger.Warn("orchestrator: framer drain timed out", "run_id", run.ID)
	}
	stopFramer()

	select {
	case <-framer.Disconnected():
		result.Disconnected = true
	default:
	}
	result.Thread = thread
	return result, nil
}

// turnOutcome is the producer's verdict for one turn.
type turnOutcome struct {
	status model.RunStatus
	usage  model.GenerationComplete
	// detail is stored on the run; wire is the sanitized wireMsg.
	detail  string
	wireMsg string
}

// pump drives the producer event loop and finalizes the run. It never
// returns an error: every failure mode ends in a terminal run state and a
// terminal frame.
func (o *Orchestrator) pump(
	dctx, producerCtx context.Context,
	cancelProducer context.CancelFunc,
	thread model.Thread,
	leaseOwner uuid.UUID,
	machine *runstate.Machine,
	framer *stream.Framer,
	history []model.Message,
) Result {
	run := machine.Run()

	events, err := o.producer.Generate(producerCtx, thread, history)
	if err != nil {
		// Producer died before its first event: queued → failed directly.
		o.logger.Error("orchestrator: producer start failed", "error", err, "run_id", run.ID)
		return o.finalize(dctx, machine, framer, thread, turnOutcome{
			status:  model.RunStatusFailed,
			detail:  err.Error(),
			wireMsg: internalErrorMessage,
		})
	}

	timeout := time.NewTimer(o.cfg.MaxTurnDuration)
	defer timeout.Stop()
	cancelPoll := time.NewTicker(o.cfg.CancelPollInterval)
	defer cancelPoll.Stop()
	leaseRenew := time.NewTicker(o.cfg.LeaseTTL / 2)
	defer leaseRenew.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Producer closed without a terminal event: contract breach,
				// treated as failure so the run cannot dangle in_progress.
				return o.finalize(dctx, machine, framer, thread, turnOutcome{
					status:  model.RunStatusFailed,
					detail:  "producer stream ended without a terminal event",
					wireMsg: internalErrorMessage,
				})
			}
			outcome, terminal := o.applyEvent(dctx, machine, framer, ev)
			if terminal {
				return o.finalize(dctx, machine, framer, thread, outcome)
			}

		case <-timeout.C:
			cancelProducer()
			return o.finalize(dctx, machine, framer, thread, turnOutcome{
				status:  model.RunStatusFailed,
				detail:  timeoutMessage,
				wireMsg: timeoutMessage,
			})

		case <-cancelPoll.C:
			requested, err := o.store.RunCancelRequested(dctx, run.ID)
			if err != nil {
				o.logger.Warn("orchestrator: read cancel flag", "error", err, "run_id", run.ID)
				continue
			}
			if requested {
				cancelProducer()
				return o.finalize(dctx, machine, framer, thread, turnOutcome{
					status:  model.RunStatusCancelled,
					detail:  "cancelled by stop request",
					wireMsg: "run cancelled",
				})
			}

		case <-leaseRenew.C:
			if err := o.store.RenewThreadLease(dctx, thread.ID, leaseOwner, o.cfg.LeaseTTL); err != nil {
				o.logger.Warn("orchestrator: renew thread lease", "error", err, "thread_id", thread.ID)
			}
		}
	}
}

// applyEvent forks one producer event to the framer and the state machine.
// Returns the outcome and true when the event was terminal.
func (o *Orchestrator) applyEvent(
	dctx context.Context,
	machine *runstate.Machine,
	framer *stream.Framer,
	ev model.ProducerEvent,
) (turnOutcome, bool) {
	fail := func(err error) (turnOutcome, bool) {
		o.logger.Error("orchestrator: persistence failure mid-stream", "error", err, "run_id", machine.Run().ID)
		return turnOutcome{
			status:  model.RunStatusFailed,
			detail:  err.Error(),
			wireMsg: internalErrorMessage,
		}, true
	}

	switch e := ev.(type) {
	case model.GenerationDelta:
		if err := machine.Begin(dctx); err != nil {
			return fail(err)
		}
		framer.Emit(model.TokenEvent{Content: e.Text})
		if err := machine.AppendDelta(dctx, e.Text); err != nil {
			return fail(err)
		}

	case model.ToolCallStarted:
		if err := machine.Begin(dctx); err != nil {
			return fail(err)
		}
		if _, err := machine.StartTool(dctx, e); err != nil {
			return fail(err)
		}
		framer.Emit(model.TraceStartEvent{
			StepID:   e.ID,
			ToolName: e.Name,
			ToolType: e.Type,
			Input:    e.Input,
		})

	case model.ToolCallFinished:
		step, matched, err := machine.FinishTool(dctx, e)
		if err != nil {
			return fail(err)
		}
		if matched {
			framer.Emit(model.TraceEndEvent{
				StepID:    e.ID,
				Status:    e.Status,
				Output:    e.Output,
				LatencyMs: step.LatencyMs,
				Tokens:    step.Tokens,
			})
		}

	case model.GenerationComplete:
		// An empty turn (complete with no prior events) is still a
		// completed run with an empty assistant message.
		if err := machine.Begin(dctx); err != nil {
			return fail(err)
		}
		return turnOutcome{status: model.RunStatusCompleted, usage: e}, true

	case model.GenerationError:
		// Producer messages are user-safe by contract and pass through.
		return turnOutcome{
			status:  model.RunStatusFailed,
			detail:  e.Message,
			wireMsg: e.Message,
		}, true
	}
	return turnOutcome{}, false
}

// finalize persists the terminal run state and assistant message, then
// emits the terminal frame. Persistence happens before emission so a
// crashed transport cannot leave the durable record behind the wire.
func (o *Orchestrator) finalize(
	dctx context.Context,
	machine *runstate.Machine,
	framer *stream.Framer,
	thread model.Thread,
	outcome turnOutcome,
) Result {
	run := machine.Run()
	text := machine.Text()

	var assistant *model.Message
	persistAssistant := func() {
		msg, err := o.store.CreateMessage(dctx, thread.ID, model.RoleAssistant, text, &run.ID)
		if err != nil {
			o.logger.Error("orchestrator: persist assistant message", "error", err, "run_id", run.ID)
			return
		}
		assistant = &msg
	}

	// A run must not stay in_progress once the turn is over. If the
	// intended terminal write fails, fall back to Fail so the durable
	// record still reaches a terminal state.
	forceFail := func() {
		if err := machine.Fail(dctx, "persistence failure during finalization"); err != nil {
			o.logger.Error("orchestrator: run left non-terminal after finalization failure",
				"error", err, "run_id", run.ID)
		}
	}

	switch outcome.status {
	case model.RunStatusCompleted:
		// Empty output still yields a message row: "agent said nothing" is
		// distinct from "agent errored".
		persistAssistant()
		if assistant == nil {
			if err := machine.Fail(dctx, "failed to persist assistant message"); err != nil {
				o.logger.Error("orchestrator: finalize failed run", "error", err, "run_id", run.ID)
				forceFail()
			}
			framer.Emit(model.ErrorEvent{Message: internalErrorMessage})
			break
		}
		if err := machine.Complete(dctx, outcome.usage); err != nil {
			o.logger.Error("orchestrator: finalize completed run", "error", err, "run_id", run.ID)
			forceFail()
			framer.Emit(model.ErrorEvent{Message: internalErrorMessage})
			break
		}
		framer.Emit(model.DoneEvent{
			RunID:      run.ID,
			ThreadID:   thread.ID,
			MessageID:  assistant.ID,
			TokensUsed: machine.Run().TotalTokens,
		})

	case model.RunStatusCancelled:
		// Partial output is preserved so the user does not lose text they
		// already saw.
		if text != "" {
			persistAssistant()
		}
		if err := machine.Cancel(dctx, outcome.detail); err != nil {
			o.logger.Error("orchestrator: finalize cancelled run", "error", err, "run_id", run.ID)
			forceFail()
		}
		framer.Emit(model.ErrorEvent{Message: outcome.wireMsg})

	default: // failed
		if text != "" {
			persistAssistant()
		}
		if err := machine.Fail(dctx, outcome.detail); err != nil {
			o.logger.Error("orchestrator: finalize failed run", "error", err, "run_id", run.ID)
			forceFail()
		}
		framer.Emit(model.ErrorEvent{Message: outcome.wireMsg})
	}

	return Result{Run: machine.Run(), AssistantMessage: assistant}
}

// resolveThread continues an existing thread or creates a new one titled
// from the first message.
func (o *Orchestrator) resolveThread(ctx context.Context, req model.TurnRequest) (model.Thread, error) {
	if req.ThreadID == nil {
		thread, err := o.store.CreateThread(ctx, req.AgentID, model.TitleFromMessage(req.Message))
		if err != nil {
			return model.Thread{}, fmt.Errorf("orchestrator: create thread: %w", err)
		}
		return thread, nil
	}

	thread, err := o.store.GetThread(ctx, *req.ThreadID)
	if err != nil {
		return model.Thread{}, err
	}
	if thread.AgentID != req.AgentID {
		// Cross-agent thread access reads as not-found rather than
		// leaking the thread's existence.
		return model.Thread{}, fmt.Errorf("%w: thread %s", storage.ErrNotFound, thread.ID)
	}
	return thread, nil
}

// estimateHistoryTokens is the heuristic input-token estimate for the
// producer's prompt context.
func estimateHistoryTokens(history []model.Message) int64 {
	var total int64
	for _, m := range history {
		total += model.EstimateTokens(m.Content)
	}
	return total
}
