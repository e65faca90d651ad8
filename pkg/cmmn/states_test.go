package cmmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextStateAllowsLifecyclePath(t *testing.T) {
	// given
	steps := []struct {
		from Transition
		want TaskState
	}{
		{TransitionCreate, StateAvailable},
		{TransitionStart, StateActive},
		{TransitionSuspend, StateSuspended},
		{TransitionResume, StateActive},
		{TransitionComplete, StateCompleted},
	}

	// when / then
	state := TaskState("")
	for _, step := range steps {
		next, err := NextState(state, step.from)
		assert.NoError(t, err)
		assert.Equal(t, step.want, next)
		state = next
	}
}

func TestNextStateRejectsIllegalTransitions(t *testing.T) {
	_, err := NextState(StateCompleted, TransitionStart)
	assert.Error(t, err)

	_, err = NextState(StateAvailable, TransitionComplete)
	assert.Error(t, err)

	_, err = NextState(StateAvailable, TransitionResume)
	assert.Error(t, err)

	_, err = NextState(StateActive, Transition("FROBNICATE"))
	assert.Error(t, err)
}

func TestNextStateManualStartRequiresEnabled(t *testing.T) {
	_, err := NextState(StateAvailable, TransitionManualStart)
	assert.Error(t, err)

	next, err := NextState(StateEnabled, TransitionManualStart)
	assert.NoError(t, err)
	assert.Equal(t, StateActive, next)
}

func TestNextStateParentTransitions(t *testing.T) {
	next, err := NextState(StateActive, TransitionParentSuspend)
	assert.NoError(t, err)
	assert.Equal(t, StateSuspended, next)

	next, err = NextState(StateSuspended, TransitionParentResume)
	assert.NoError(t, err)
	assert.Equal(t, StateActive, next)

	// parent terminate reaches suspended children too
	next, err = NextState(StateSuspended, TransitionParentTerminate)
	assert.NoError(t, err)
	assert.Equal(t, StateTerminated, next)
}

func TestNextStateReactivate(t *testing.T) {
	for _, from := range []TaskState{StateFailed, StateSuspended, StateTerminated} {
		next, err := NextState(from, TransitionReactivate)
		assert.NoError(t, err)
		assert.Equal(t, StateActive, next)
	}
}
