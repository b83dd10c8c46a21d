package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// ---- Run status transitions ----------------------------------------------

func TestRunStatusTransitions(t *testing.T) {
	assert.True(t, model.RunStatusQueued.CanTransitionTo(model.RunStatusInProgress))
	assert.True(t, model.RunStatusQueued.CanTransitionTo(model.RunStatusFailed), "producer that never starts fails from queued")
	assert.True(t, model.RunStatusInProgress.CanTransitionTo(model.RunStatusCompleted))
	assert.True(t, model.RunStatusInProgress.CanTransitionTo(model.RunStatusCancelled))

	assert.False(t, model.RunStatusQueued.CanTransitionTo(model.RunStatusCompleted), "must pass through in_progress to complete")
	assert.False(t, model.RunStatusCompleted.CanTransitionTo(model.RunStatusFailed), "terminal states are write-once")
	assert.False(t, model.RunStatusFailed.CanTransitionTo(model.RunStatusInProgress))
	assert.False(t, model.RunStatusCancelled.CanTransitionTo(model.RunStatusCompleted))
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []model.RunStatus{model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []model.RunStatus{model.RunStatusQueued, model.RunStatusInProgress} {
		assert.False(t, s.Terminal(), string(s))
	}
}

// ---- Step status transitions ---------------------------------------------

func TestStepStatusTransitions(t *testing.T) {
	assert.True(t, model.StepStatusPending.CanTransitionTo(model.StepStatusRunning))
	assert.True(t, model.StepStatusPending.CanTransitionTo(model.StepStatusFailed), "force-terminalization can fail a pending step")
	assert.True(t, model.StepStatusRunning.CanTransitionTo(model.StepStatusCompleted))
	assert.True(t, model.StepStatusRunning.CanTransitionTo(model.StepStatusFailed))

	assert.False(t, model.StepStatusPending.CanTransitionTo(model.StepStatusCompleted))
	assert.False(t, model.StepStatusCompleted.CanTransitionTo(model.StepStatusFailed))
	assert.False(t, model.StepStatusFailed.CanTransitionTo(model.StepStatusRunning))
}

// ---- Title derivation -----------------------------------------------------

func TestTitleFromMessage_Short(t *testing.T) {
	assert.Equal(t, "Hello", model.TitleFromMessage("Hello"))
}

func TestTitleFromMessage_Truncates(t *testing.T) {
	long := strings.Repeat("a", 500)
	title := model.TitleFromMessage(long)
	require.LessOrEqual(t, len([]rune(title)), model.MaxThreadTitleLen)
	assert.True(t, strings.HasSuffix(title, "…"))
}

func TestTitleFromMessage_MultibyteSafe(t *testing.T) {
	long := strings.Repeat("日本語の会話", 30)
	title := model.TitleFromMessage(long)
	assert.LessOrEqual(t, len([]rune(title)), model.MaxThreadTitleLen)
}

// ---- Token estimation -----------------------------------------------------

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), model.EstimateTokens(""))
	assert.Equal(t, int64(1), model.EstimateTokens("hi"))
	assert.Equal(t, int64(1), model.EstimateTokens("four"))
	assert.Equal(t, int64(2), model.EstimateTokens("fives"))
}

// ---- Request validation ---------------------------------------------------

func TestTurnRequestValidate(t *testing.T) {
	valid := model.TurnRequest{AgentID: "support-bot", Message: "Hello"}
	assert.NoError(t, valid.Validate())

	missing := model.TurnRequest{AgentID: "support-bot"}
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message")

	noAgent := model.TurnRequest{Message: "Hello"}
	require.Error(t, noAgent.Validate())

	huge := model.TurnRequest{AgentID: "a", Message: strings.Repeat("x", model.MaxMessageLen+1)}
	require.Error(t, huge.Validate())
}

// ---- Stream event tagging -------------------------------------------------

func TestStreamEventTerminality(t *testing.T) {
	terminal := []model.StreamEvent{model.DoneEvent{}, model.ErrorEvent{}}
	for _, ev := range terminal {
		assert.True(t, ev.Terminal(), string(ev.StreamEventType()))
	}
	nonTerminal := []model.StreamEvent{
		model.TokenEvent{}, model.TraceStartEvent{}, model.TraceEndEvent{}, model.HeartbeatEvent{},
	}
	for _, ev := range nonTerminal {
		assert.False(t, ev.Terminal(), string(ev.StreamEventType()))
	}
}
