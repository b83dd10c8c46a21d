package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/storage"
	"github.com/ashita-ai/kaiwa/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func createTestThread(t *testing.T) model.Thread {
	t.Helper()
	thread, err := testDB.CreateThread(context.Background(), "agent-"+uuid.NewString()[:8], "test thread")
	require.NoError(t, err)
	return thread
}

func createTestRun(t *testing.T, threadID uuid.UUID) model.Run {
	t.Helper()
	run, err := testDB.CreateRun(context.Background(), threadID)
	require.NoError(t, err)
	return run
}

func TestThreadCRUD(t *testing.T) {
	ctx := context.Background()

	thread, err := testDB.CreateThread(ctx, "agent-crud", "My thread")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, thread.ID)
	assert.Equal(t, model.ThreadStatusActive, thread.Status)
	assert.Equal(t, int64(1), thread.Version)

	got, err := testDB.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, got.ID)
	assert.Equal(t, "My thread", got.Title)

	got.Title = "Renamed"
	require.NoError(t, testDB.UpdateThread(ctx, &got))
	assert.Equal(t, int64(2), got.Version)

	reloaded, err := testDB.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", reloaded.Title)
}

func TestGetThreadNotFound(t *testing.T) {
	_, err := testDB.GetThread(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateThreadVersionConflict(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)

	stale := thread
	thread.Title = "writer one"
	require.NoError(t, testDB.UpdateThread(ctx, &thread))

	stale.Title = "writer two"
	err := testDB.UpdateThread(ctx, &stale)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestSoftDeleteThreadHidesIt(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)

	require.NoError(t, testDB.SoftDeleteThread(ctx, thread.ID))

	_, err := testDB.GetThread(ctx, thread.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Idempotent second delete reads as not found.
	err = testDB.SoftDeleteThread(ctx, thread.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHardDeleteThreadCascades(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	run := createTestRun(t, thread.ID)
	_, err := testDB.CreateMessage(ctx, thread.ID, model.RoleUser, "hello", nil)
	require.NoError(t, err)
	_, err = testDB.CreateStep(ctx, model.Step{
		RunID: run.ID, Type: model.StepTypeMessage,
		Status: model.StepStatusRunning, StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, testDB.HardDeleteThread(ctx, thread.ID))

	_, err = testDB.GetRun(ctx, run.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	msgs, err := testDB.ListMessagesByThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListThreadsByAgentPagination(t *testing.T) {
	ctx := context.Background()
	agentID := "agent-page-" + uuid.NewString()[:8]

	for i := 0; i < 5; i++ {
		_, err := testDB.CreateThread(ctx, agentID, fmt.Sprintf("thread %d", i))
		require.NoError(t, err)
	}

	page1, total, err := testDB.ListThreadsByAgent(ctx, agentID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)

	page2, _, err := testDB.ListThreadsByAgent(ctx, agentID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)

	// Created DESC: the newest thread comes first.
	assert.Equal(t, "thread 4", page1[0].Title)
}

func TestMessagesChronological(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)

	for _, content := range []string{"first", "second", "third"} {
		_, err := testDB.CreateMessage(ctx, thread.ID, model.RoleUser, content, nil)
		require.NoError(t, err)
	}

	msgs, err := testDB.ListMessagesByThread(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestMessageRunLink(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	run := createTestRun(t, thread.ID)

	msg, err := testDB.CreateMessage(ctx, thread.ID, model.RoleAssistant, "answer", &run.ID)
	require.NoError(t, err)
	require.NotNil(t, msg.RunID)
	assert.Equal(t, run.ID, *msg.RunID)
}

func TestRunLifecyclePersistence(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	run := createTestRun(t, thread.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	now := time.Now().UTC()
	run.Status = model.RunStatusInProgress
	run.StartedAt = &now
	require.NoError(t, testDB.UpdateRun(ctx, &run))

	run.Status = model.RunStatusCompleted
	run.InputTokens = 100
	run.OutputTokens = 40
	run.TotalTokens = 140
	run.TokensEstimated = false
	run.CostUSD = 0.0014
	run.CompletedAt = &now
	require.NoError(t, testDB.UpdateRun(ctx, &run))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, int64(140), got.TotalTokens)
	assert.False(t, got.TokensEstimated)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateRunVersionConflict(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	run := createTestRun(t, thread.ID)

	stale := run
	run.Status = model.RunStatusInProgress
	require.NoError(t, testDB.UpdateRun(ctx, &run))

	stale.Status = model.RunStatusFailed
	err := testDB.UpdateRun(ctx, &stale)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestRequestRunCancel(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	run := createTestRun(t, thread.ID)

	require.NoError(t, testDB.RequestRunCancel(ctx, run.ID))
	requested, err := testDB.RunCancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestRequestRunCancelTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	run := createTestRun(t, thread.ID)

	run.Status = model.RunStatusInProgress
	require.NoError(t, testDB.UpdateRun(ctx, &run))
	run.Status = model.RunStatusCompleted
	require.NoError(t, testDB.UpdateRun(ctx, &run))

	require.NoError(t, testDB.RequestRunCancel(ctx, run.ID))
	requested, err := testDB.RunCancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, requested, "terminal run must not pick up a cancel flag")
}

func TestRequestRunCancelNotFound(t *testing.T) {
	err := testDB.RequestRunCancel(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStepsOrderedByStart(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	run := createTestRun(t, thread.ID)

	base := time.Now().UTC()
	for i, typ := range []model.StepType{model.StepTypeMessage, model.StepTypeToolCall, model.StepTypeMessage} {
		_, err := testDB.CreateStep(ctx, model.Step{
			RunID:     run.ID,
			Type:      typ,
			Status:    model.StepStatusRunning,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	steps, total, err := testDB.ListStepsByRun(ctx, run.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, steps, 3)
	assert.Equal(t, model.StepTypeMessage, steps[0].Type)
	assert.Equal(t, model.StepTypeToolCall, steps[1].Type)
}

func TestStepInputOutputRoundTrip(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	run := createTestRun(t, thread.ID)

	step, err := testDB.CreateStep(ctx, model.Step{
		RunID:      run.ID,
		Type:       model.StepTypeToolCall,
		Status:     model.StepStatusRunning,
		ToolCallID: "call_42",
		ToolName:   "weather",
		ToolType:   "function",
		Input:      map[string]any{"city": "Tokyo", "units": "metric"},
		StartedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	step.Status = model.StepStatusCompleted
	step.Output = map[string]any{"temp": float64(21)}
	step.CompletedAt = &now
	step.LatencyMs = 12
	step.Tokens = 30
	require.NoError(t, testDB.UpdateStep(ctx, step))

	got, err := testDB.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, "call_42", got.ToolCallID)
	assert.Equal(t, "Tokyo", got.Input["city"])
	assert.Equal(t, float64(21), got.Output["temp"])
	assert.Equal(t, int64(30), got.Tokens)
}

func TestThreadLeaseContention(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)

	ownerA := uuid.New()
	ownerB := uuid.New()

	require.NoError(t, testDB.AcquireThreadLease(ctx, thread.ID, ownerA, time.Minute))

	// The lease is exclusive while unexpired.
	err := testDB.AcquireThreadLease(ctx, thread.ID, ownerB, time.Minute)
	require.ErrorIs(t, err, storage.ErrLeaseHeld)

	// Release frees it for the next acquirer.
	require.NoError(t, testDB.ReleaseThreadLease(ctx, thread.ID, ownerA))
	require.NoError(t, testDB.AcquireThreadLease(ctx, thread.ID, ownerB, time.Minute))
	require.NoError(t, testDB.ReleaseThreadLease(ctx, thread.ID, ownerB))
}

func TestThreadLeaseExpiryTakeover(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)

	crashed := uuid.New()
	successor := uuid.New()

	// A lease with a tiny TTL simulates a crashed owner.
	require.NoError(t, testDB.AcquireThreadLease(ctx, thread.ID, crashed, 50*time.Millisecond))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, testDB.AcquireThreadLease(ctx, thread.ID, successor, time.Minute))

	// The crashed owner's release is a no-op after takeover; the
	// successor's lease survives.
	require.NoError(t, testDB.ReleaseThreadLease(ctx, thread.ID, crashed))
	err := testDB.AcquireThreadLease(ctx, thread.ID, uuid.New(), time.Minute)
	require.ErrorIs(t, err, storage.ErrLeaseHeld)

	require.NoError(t, testDB.ReleaseThreadLease(ctx, thread.ID, successor))
}

func TestLeaseRenewal(t *testing.T) {
	ctx := context.Background()
	thread := createTestThread(t)
	owner := uuid.New()

	require.NoError(t, testDB.AcquireThreadLease(ctx, thread.ID, owner, 200*time.Millisecond))
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, testDB.RenewThreadLease(ctx, thread.ID, owner, 200*time.Millisecond))
	time.Sleep(120 * time.Millisecond)

	// Without the renewal the lease would have expired by now.
	err := testDB.AcquireThreadLease(ctx, thread.ID, uuid.New(), time.Minute)
	require.ErrorIs(t, err, storage.ErrLeaseHeld)

	require.NoError(t, testDB.ReleaseThreadLease(ctx, thread.ID, owner))
}
