package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstate"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/stream"
	"github.com/ashita-ai/kaiwa/internal/testutil"
)

// memStore is an in-memory Store with the same lease and optimistic
// concurrency semantics as the Postgres repositories.
type memStore struct {
	mu       sync.Mutex
	threads  map[uuid.UUID]model.Thread
	messages []model.Message
	runs     map[uuid.UUID]model.Run
	steps    map[uuid.UUID]model.Step
	leases   map[uuid.UUID]leaseRow

	// failTerminalUpdates makes the next N terminal-status run writes fail,
	// simulating a storage outage at finalization time.
	failTerminalUpdates int
}

type leaseRow struct {
	owner   uuid.UUID
	expires time.Time
}

func newMemStore() *memStore {
	return &memStore{
		threads: make(map[uuid.UUID]model.Thread),
		runs:    make(map[uuid.UUID]model.Run),
		steps:   make(map[uuid.UUID]model.Step),
		leases:  make(map[uuid.UUID]leaseRow),
	}
}

func (s *memStore) CreateThread(_ context.Context, agentID, title string) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t := model.Thread{
		ID: uuid.New(), AgentID: agentID, Title: title,
		Status: model.ThreadStatusActive, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	s.threads[t.ID] = t
	return t, nil
}

func (s *memStore) GetThread(_ context.Context, id uuid.UUID) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok || t.Deleted {
		return model.Thread{}, fmt.Errorf("%w: thread %s", storage.ErrNotFound, id)
	}
	return t, nil
}

func (s *memStore) TouchThread(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	s.threads[id] = t
	return nil
}

func (s *memStore) CreateMessage(_ context.Context, threadID uuid.UUID, role model.MessageRole, content string, runID *uuid.UUID) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := model.Message{
		ID: uuid.New(), ThreadID: threadID, Role: role,
		Content: content, RunID: runID, CreatedAt: time.Now().UTC(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) ListMessagesByThread(_ context.Context, threadID uuid.UUID) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) CreateRun(_ context.Context, threadID uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := model.Run{
		ID: uuid.New(), ThreadID: threadID,
		Status: model.RunStatusQueued, Version: 1, CreatedAt: time.Now().UTC(),
	}
	s.runs[r.ID] = r
	return r, nil
}

func (s *memStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("%w: run %s", storage.ErrNotFound, id)
	}
	return r, nil
}

func (s *memStore) UpdateRun(_ context.Context, r *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("%w: run %s", storage.ErrNotFound, r.ID)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("%w: run %s version %d", storage.ErrConflict, r.ID, r.Version)
	}
	if s.failTerminalUpdates > 0 && r.Status.Terminal() {
		s.failTerminalUpdates--
		return fmt.Errorf("storage: update run: connection reset")
	}
	r.Version++
	// Cancel flag is set out-of-band; writers never clear it.
	r.CancelRequested = r.CancelRequested || cur.CancelRequested
	s.runs[r.ID] = *r
	return nil
}

func (s *memStore) RunCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, fmt.Errorf("%w: run %s", storage.ErrNotFound, id)
	}
	return r.CancelRequested, nil
}

func (s *memStore) requestCancel(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	r.CancelRequested = true
	s.runs[id] = r
}

func (s *memStore) CreateStep(_ context.Context, step model.Step) (model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step.ID = uuid.New()
	s.steps[step.ID] = step
	return step, nil
}

func (s *memStore) UpdateStep(_ context.Context, step model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[step.ID]; !ok {
		return fmt.Errorf("%w: step %s", storage.ErrNotFound, step.ID)
	}
	s.steps[step.ID] = step
	return nil
}

func (s *memStore) AcquireThreadLease(_ context.Context, threadID, ownerID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[threadID]; ok && time.Now().Before(l.expires) {
		return fmt.Errorf("%w: thread %s", storage.ErrLeaseHeld, threadID)
	}
	s.leases[threadID] = leaseRow{owner: ownerID, expires: time.Now().Add(ttl)}
	return nil
}

func (s *memStore) RenewThreadLease(_ context.Context, threadID, ownerID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[threadID]
	if !ok || l.owner != ownerID {
		return fmt.Errorf("%w: thread %s", storage.ErrNotFound, threadID)
	}
	l.expires = time.Now().Add(ttl)
	s.leases[threadID] = l
	return nil
}

func (s *memStore) ReleaseThreadLease(_ context.Context, threadID, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[threadID]; ok && l.owner == ownerID {
		delete(s.leases, threadID)
	}
	return nil
}

func (s *memStore) messagesByRole(role model.MessageRole) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// scriptedProducer plays back a fixed event sequence. hangAfter makes it
// block (until ctx cancellation) instead of emitting a terminal event.
type scriptedProducer struct {
	events    []model.ProducerEvent
	hangAfter bool
	startErr  error
}

func (p scriptedProducer) Generate(ctx context.Context, _ model.Thread, _ []model.Message) (<-chan model.ProducerEvent, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	out := make(chan model.ProducerEvent)
	go func() {
		defer close(out)
		for _, ev := range p.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if p.hangAfter {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// recordingTransport captures written frames; failAfter > 0 fails the write
// with that ordinal to simulate client disconnect.
type recordingTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	failAfter int
}

func (t *recordingTransport) WriteFrame(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failAfter > 0 && len(t.frames)+1 >= t.failAfter {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	t.frames = append(t.frames, cp)
	return nil
}

func (t *recordingTransport) Flush() {}

func (t *recordingTransport) types(tb testing.TB) []string {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, f := range t.frames {
		var obj struct {
			Type string `json:"type"`
		}
		require.NoError(tb, json.Unmarshal(f, &obj))
		out = append(out, obj.Type)
	}
	return out
}

func fastConfig() Config {
	return Config{
		Stream: stream.Config{
			MaxBatch:          1,
			FlushInterval:     5 * time.Millisecond,
			HeartbeatInterval: time.Minute,
		},
		MaxTurnDuration:    5 * time.Second,
		LeaseTTL:           time.Minute,
		CancelPollInterval: 10 * time.Millisecond,
	}
}

func TestTurnHappyPath(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{events: []model.ProducerEvent{
		model.GenerationDelta{Text: "The weather "},
		model.ToolCallStarted{ID: "call_1", Name: "weather", Type: "function", Input: map[string]any{"city": "Tokyo"}},
		model.ToolCallFinished{ID: "call_1", Status: runstate.StepStatusSuccess, Output: map[string]any{"temp": 21}, LatencyMs: 5, Tokens: 10},
		model.GenerationDelta{Text: "in Tokyo is 21°C."},
		model.GenerationComplete{InputTokens: 50, OutputTokens: 30, TotalTokens: 80},
	}}
	o := New(store, prod, testutil.TestLogger(), fastConfig())

	transport := &recordingTransport{}
	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1",
		Message: "What's the weather in Tokyo?",
	}, transport)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, result.Run.Status)
	assert.Equal(t, int64(80), result.Run.TotalTokens)
	assert.False(t, result.Run.TokensEstimated)
	assert.False(t, result.Disconnected)
	require.NotNil(t, result.AssistantMessage)
	assert.Equal(t, "The weather in Tokyo is 21°C.", result.AssistantMessage.Content)
	assert.Equal(t, &result.Run.ID, result.AssistantMessage.RunID)

	// A turn on a fresh thread auto-creates and titles it.
	assert.Equal(t, "agent-1", result.Thread.AgentID)
	assert.Equal(t, "What's the weather in Tokyo?", result.Thread.Title)

	// Wire order: tokens and traces interleaved as emitted, done last.
	types := transport.types(t)
	assert.Equal(t, []string{"token", "trace_start", "trace_end", "token", "done"}, types)

	// Durable record: user + assistant messages, completed run, steps.
	assert.Len(t, store.messagesByRole(model.RoleUser), 1)
	assert.Len(t, store.messagesByRole(model.RoleAssistant), 1)
	assert.Empty(t, store.leases, "lease released after turn")
}

func TestTurnProducerErrorForceFailsDanglingStep(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{events: []model.ProducerEvent{
		model.GenerationDelta{Text: "Checking... "},
		model.ToolCallStarted{ID: "call_1", Name: "search"},
		model.GenerationError{Message: "upstream model unavailable"},
	}}
	o := New(store, prod, testutil.TestLogger(), fastConfig())

	transport := &recordingTransport{}
	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1",
		Message: "find something",
	}, transport)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, result.Run.Status)
	require.NotNil(t, result.Run.Error)
	assert.Equal(t, "upstream model unavailable", *result.Run.Error)

	// Producer error messages are user-safe and pass through verbatim.
	types := transport.types(t)
	require.NotEmpty(t, types)
	assert.Equal(t, "error", types[len(types)-1])

	// The open tool step was force-terminalized, not left running.
	store.mu.Lock()
	for _, step := range store.steps {
		assert.True(t, step.Status == model.StepStatusCompleted || step.Status == model.StepStatusFailed,
			"step %s left in %s", step.ID, step.Status)
	}
	store.mu.Unlock()

	// Partial text is preserved as an assistant message.
	partial := store.messagesByRole(model.RoleAssistant)
	require.Len(t, partial, 1)
	assert.Equal(t, "Checking... ", partial[0].Content)
}

func TestTurnDisconnectDoesNotFailRun(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{events: []model.ProducerEvent{
		model.GenerationDelta{Text: "one "},
		model.GenerationDelta{Text: "two "},
		model.GenerationDelta{Text: "three"},
		model.GenerationComplete{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}
	o := New(store, prod, testutil.TestLogger(), fastConfig())

	// Client goes away after the first frame; the run must still complete.
	transport := &recordingTransport{failAfter: 2}
	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1",
		Message: "count to three",
	}, transport)
	require.NoError(t, err)

	assert.True(t, result.Disconnected)
	assert.Equal(t, model.RunStatusCompleted, result.Run.Status)
	require.NotNil(t, result.AssistantMessage)
	assert.Equal(t, "one two three", result.AssistantMessage.Content)
	assert.Empty(t, store.leases)
}

func TestTurnBusyThreadCreatesNoState(t *testing.T) {
	store := newMemStore()
	thread, err := store.CreateThread(context.Background(), "agent-1", "existing")
	require.NoError(t, err)

	// Another orchestrator holds the thread's run-lease.
	require.NoError(t, store.AcquireThreadLease(context.Background(), thread.ID, uuid.New(), time.Minute))

	o := New(store, scriptedProducer{}, testutil.TestLogger(), fastConfig())
	_, err = o.Turn(context.Background(), model.TurnRequest{
		AgentID:  "agent-1",
		ThreadID: &thread.ID,
		Message:  "second turn",
	}, &recordingTransport{})
	require.ErrorIs(t, err, storage.ErrLeaseHeld)

	// The loser wrote nothing: no message, no run.
	assert.Empty(t, store.messages)
	assert.Empty(t, store.runs)
}

func TestTurnValidation(t *testing.T) {
	o := New(newMemStore(), scriptedProducer{}, testutil.TestLogger(), fastConfig())

	_, err := o.Turn(context.Background(), model.TurnRequest{AgentID: "a"}, &recordingTransport{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = o.Turn(context.Background(), model.TurnRequest{Message: "hi"}, &recordingTransport{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTurnUnknownThread(t *testing.T) {
	o := New(newMemStore(), scriptedProducer{}, testutil.TestLogger(), fastConfig())

	missing := uuid.New()
	_, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1", ThreadID: &missing, Message: "hi",
	}, &recordingTransport{})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTurnCrossAgentThreadReadsAsNotFound(t *testing.T) {
	store := newMemStore()
	thread, err := store.CreateThread(context.Background(), "agent-1", "private")
	require.NoError(t, err)

	o := New(store, scriptedProducer{}, testutil.TestLogger(), fastConfig())
	_, err = o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-2", ThreadID: &thread.ID, Message: "hi",
	}, &recordingTransport{})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTurnProducerStartFailure(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{startErr: errors.New("connection refused")}
	o := New(store, prod, testutil.TestLogger(), fastConfig())

	transport := &recordingTransport{}
	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1", Message: "hi",
	}, transport)
	require.NoError(t, err)

	// queued → failed directly; internal detail never crosses the wire.
	assert.Equal(t, model.RunStatusFailed, result.Run.Status)
	require.NotNil(t, result.Run.Error)
	assert.Equal(t, "connection refused", *result.Run.Error)

	types := transport.types(t)
	require.Len(t, types, 1)
	assert.Equal(t, "error", types[0])

	transport.mu.Lock()
	var frame struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(transport.frames[0], &frame))
	transport.mu.Unlock()
	assert.Equal(t, "internal error", frame.Message)
}

func TestTurnProducerClosesWithoutTerminalEvent(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{events: []model.ProducerEvent{
		model.GenerationDelta{Text: "half a thou"},
	}}
	o := New(store, prod, testutil.TestLogger(), fastConfig())

	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1", Message: "hi",
	}, &recordingTransport{})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, result.Run.Status)
	require.NotNil(t, result.AssistantMessage)
	assert.Equal(t, "half a thou", result.AssistantMessage.Content)
}

func TestTurnTimeout(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{
		events:    []model.ProducerEvent{model.GenerationDelta{Text: "thinking"}},
		hangAfter: true,
	}
	cfg := fastConfig()
	cfg.MaxTurnDuration = 50 * time.Millisecond
	o := New(store, prod, testutil.TestLogger(), cfg)

	transport := &recordingTransport{}
	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1", Message: "hi",
	}, transport)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, result.Run.Status)
	require.NotNil(t, result.Run.Error)
	assert.Contains(t, *result.Run.Error, "maximum duration")

	types := transport.types(t)
	assert.Equal(t, "error", types[len(types)-1])
}

func TestTurnCooperativeCancel(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{
		events:    []model.ProducerEvent{model.GenerationDelta{Text: "partial "}},
		hangAfter: true,
	}
	o := New(store, prod, testutil.TestLogger(), fastConfig())

	// Flag the run as soon as it appears; the orchestrator notices on its
	// next cancel poll.
	go func() {
		for {
			store.mu.Lock()
			for id := range store.runs {
				store.mu.Unlock()
				store.requestCancel(id)
				return
			}
			store.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1", Message: "hi",
	}, &recordingTransport{})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCancelled, result.Run.Status)
	require.NotNil(t, result.AssistantMessage)
	assert.Equal(t, "partial ", result.AssistantMessage.Content)
}

func TestTurnEmptyCompletionStillPersistsMessage(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{events: []model.ProducerEvent{
		model.GenerationComplete{},
	}}
	o := New(store, prod, testutil.TestLogger(), fastConfig())

	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1", Message: "say nothing",
	}, &recordingTransport{})
	require.NoError(t, err)

	// "Agent said nothing" is a completed run with an empty message, not
	// an error.
	assert.Equal(t, model.RunStatusCompleted, result.Run.Status)
	require.NotNil(t, result.AssistantMessage)
	assert.Empty(t, result.AssistantMessage.Content)
	assert.True(t, result.Run.TokensEstimated)
}

func TestTurnFinalizePersistenceFailureFailsRun(t *testing.T) {
	store := newMemStore()
	prod := scriptedProducer{events: []model.ProducerEvent{
		model.GenerationDelta{Text: "almost done"},
		model.GenerationComplete{InputTokens: 50, OutputTokens: 30, TotalTokens: 80},
	}}
	o := New(store, prod, testutil.TestLogger(), fastConfig())

	// The completed-status write fails; the fallback failed-status write
	// goes through. The run must not stay in_progress forever.
	store.failTerminalUpdates = 1

	transport := &recordingTransport{}
	result, err := o.Turn(context.Background(), model.TurnRequest{
		AgentID: "agent-1", Message: "hello",
	}, transport)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, result.Run.Status)
	stored, gerr := store.GetRun(context.Background(), result.Run.ID)
	require.NoError(t, gerr)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "persistence failure")

	types := transport.types(t)
	require.NotEmpty(t, types)
	assert.Equal(t, "error", types[len(types)-1], "client learns the turn did not complete")
}
