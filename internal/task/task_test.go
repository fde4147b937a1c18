package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_CanTransitionTo(t *testing.T) {
	assert.True(t, StateQueued.CanTransitionTo(StateProcessing))
	assert.True(t, StateProcessing.CanTransitionTo(StateCompleted))
	assert.True(t, StateProcessing.CanTransitionTo(StateRetry))
	assert.True(t, StateRetry.CanTransitionTo(StateQueued))
	assert.False(t, StateCompleted.CanTransitionTo(StateQueued))
	assert.False(t, StateFailed.CanTransitionTo(StateRetry))
	assert.False(t, StateQueued.CanTransitionTo(StateCompleted))
}

func TestState_IsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateQueued.IsTerminal())
	assert.False(t, StateProcessing.IsTerminal())
	assert.False(t, StateRetry.IsTerminal())
}

func TestTask_CanRetry(t *testing.T) {
	tsk := &Task{Attempts: 2, MaxAttempts: 3}
	assert.True(t, tsk.CanRetry())
	tsk.Attempts = 3
	assert.False(t, tsk.CanRetry())
}

func TestCapabilities_Subset(t *testing.T) {
	required := Capabilities{"gpu", "cuda12"}
	assert.True(t, required.Subset(Capabilities{"cuda12", "gpu", "extra"}))
	assert.False(t, required.Subset(Capabilities{"gpu"}))
	assert.True(t, Capabilities{}.Subset(Capabilities{}))
}
