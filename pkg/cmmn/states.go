// Package cmmn implements case management: an event-sourced case plan
// aggregate, the plan-item state machine and the engine that drives plan
// items through their lifecycle with pluggable processors.
package cmmn

import (
	"fmt"
	"slices"
)

// TaskState is the lifecycle state of a plan item or of the case itself.
type TaskState string

const (
	StateAvailable  TaskState = "AVAILABLE"
	StateEnabled    TaskState = "ENABLED"
	StateActive     TaskState = "ACTIVE"
	StateSuspended  TaskState = "SUSPENDED"
	StateCompleted  TaskState = "COMPLETED"
	StateTerminated TaskState = "TERMINATED"
	StateFailed     TaskState = "FAILED"
)

// IsFinished reports whether the state is terminal.
func (s TaskState) IsFinished() bool {
	return s == StateCompleted || s == StateTerminated
}

// Transition moves a plan item or case between states.
type Transition string

const (
	TransitionCreate          Transition = "CREATE"
	TransitionEnable          Transition = "ENABLE"
	TransitionStart           Transition = "START"
	TransitionManualStart     Transition = "MANUAL_START"
	TransitionComplete        Transition = "COMPLETE"
	TransitionTerminate       Transition = "TERMINATE"
	TransitionParentTerminate Transition = "PARENT_TERMINATE"
	TransitionSuspend         Transition = "SUSPEND"
	TransitionParentSuspend   Transition = "PARENT_SUSPEND"
	TransitionResume          Transition = "RESUME"
	TransitionParentResume    Transition = "PARENT_RESUME"
	TransitionFault           Transition = "FAULT"
	TransitionReactivate      Transition = "REACTIVATE"
)

type transitionRule struct {
	from []TaskState
	to   TaskState
}

// empty from list means the transition creates the element
var transitionRules = map[Transition]transitionRule{
	TransitionCreate:          {from: nil, to: StateAvailable},
	TransitionEnable:          {from: []TaskState{StateAvailable}, to: StateEnabled},
	TransitionStart:           {from: []TaskState{StateAvailable}, to: StateActive},
	TransitionManualStart:     {from: []TaskState{StateEnabled}, to: StateActive},
	TransitionComplete:        {from: []TaskState{StateActive}, to: StateCompleted},
	TransitionTerminate:       {from: []TaskState{StateAvailable, StateEnabled, StateActive}, to: StateTerminated},
	TransitionParentTerminate: {from: []TaskState{StateAvailable, StateEnabled, StateActive, StateSuspended}, to: StateTerminated},
	TransitionSuspend:         {from: []TaskState{StateActive}, to: StateSuspended},
	TransitionParentSuspend:   {from: []TaskState{StateActive}, to: StateSuspended},
	TransitionResume:          {from: []TaskState{StateSuspended}, to: StateActive},
	TransitionParentResume:    {from: []TaskState{StateSuspended}, to: StateActive},
	TransitionFault:           {from: []TaskState{StateActive}, to: StateFailed},
	TransitionReactivate:      {from: []TaskState{StateFailed, StateSuspended, StateTerminated}, to: StateActive},
}

// NextState resolves the target state of a transition from the current one,
// rejecting transitions the state machine does not allow.
func NextState(current TaskState, tr Transition) (TaskState, error) {
	rule, ok := transitionRules[tr]
	if !ok {
		return current, fmt.Errorf("unknown transition %s", tr)
	}
	if rule.from != nil && !slices.Contains(rule.from, current) {
		return current, fmt.Errorf("transition %s not allowed from state %s", tr, current)
	}
	return rule.to, nil
}
