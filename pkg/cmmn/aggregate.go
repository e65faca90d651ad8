package cmmn

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/caseworks/caseflow/pkg/eventstore"
)

const streamPrefix = "case-plan-instance-"

var (
	ErrUnknownElementInstance = errors.New("unknown workflow element instance")
)

// ElementStateSnapshot is one entry of an element's state history.
type ElementStateSnapshot struct {
	State     TaskState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionRecord is one entry of an element's transition history.
type TransitionRecord struct {
	Transition Transition `json:"transition"`
	Timestamp  time.Time  `json:"timestamp"`
}

// WorkflowElementInstance is one occurrence of a plan item in a running case.
// It is owned exclusively by its CasePlanInstance.
type WorkflowElementInstance struct {
	ID                string                 `json:"id"`
	DefinitionID      string                 `json:"definitionId"`
	Type              PlanItemType           `json:"type"`
	State             TaskState              `json:"state"`
	StateHistory      []ElementStateSnapshot `json:"stateHistory,omitempty"`
	TransitionHistory []TransitionRecord     `json:"transitionHistory,omitempty"`
	Version           int                    `json:"version"`
}

func (w *WorkflowElementInstance) clone() *WorkflowElementInstance {
	c := *w
	c.StateHistory = append([]ElementStateSnapshot(nil), w.StateHistory...)
	c.TransitionHistory = append([]TransitionRecord(nil), w.TransitionHistory...)
	return &c
}

// CasePlanInstance is the event-sourced state of one running case. Newly
// applied events are additionally pushed onto the notify channel, if set,
// so the engine's supervision loop can react to them.
type CasePlanInstance struct {
	eventstore.AggregateRoot

	CasePlanID   string
	CasePlanName string
	State        TaskState
	Variables    map[string]any

	Elements []*WorkflowElementInstance

	notify   chan<- eventstore.Event
	overflow []eventstore.Event
}

var _ eventstore.Aggregate = &CasePlanInstance{}

func (ci *CasePlanInstance) StreamName() string {
	return streamPrefix + ci.ID
}

// StreamNameFor returns the stream name for a case instance id.
func StreamNameFor(id string) string {
	return streamPrefix + id
}

// SetNotify routes newly applied events to ch. Pass nil to detach; the
// engine detaches before its loop exits so no events are sent to a dead
// consumer. Attaching or detaching discards any overflowed events.
func (ci *CasePlanInstance) SetNotify(ch chan<- eventstore.Event) {
	ci.notify = ch
	ci.overflow = nil
}

// TakeOverflow returns, in raise order, the events that did not fit the
// notify channel's buffer and clears them.
func (ci *CasePlanInstance) TakeOverflow() []eventstore.Event {
	res := ci.overflow
	ci.overflow = nil
	return res
}

// NewCaseInstance constructs a brand-new case for the given plan.
func NewCaseInstance(id string, plan *CasePlanModel) (*CasePlanInstance, error) {
	ci := &CasePlanInstance{AggregateRoot: eventstore.AggregateRoot{ID: id}}
	err := ci.raise(&CaseInstanceCreatedEvent{
		EventBase:    ci.nextBase(),
		CasePlanID:   plan.ID,
		CasePlanName: plan.Name,
	})
	if err != nil {
		return nil, err
	}
	return ci, nil
}

// NewCaseFromEvents rehydrates a case by replaying its ordered history.
func NewCaseFromEvents(events []eventstore.Event) (*CasePlanInstance, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("cannot rehydrate case plan instance from empty history")
	}
	ci := &CasePlanInstance{
		AggregateRoot: eventstore.AggregateRoot{ID: events[0].EventAggregateID()},
	}
	for _, evt := range events {
		if err := ci.apply(evt); err != nil {
			return nil, err
		}
	}
	return ci, nil
}

// Clone returns a deep copy for optimistic-concurrency retries. The notify
// channel is not carried over.
func (ci *CasePlanInstance) Clone() *CasePlanInstance {
	c := &CasePlanInstance{
		AggregateRoot: eventstore.AggregateRoot{ID: ci.ID, CurrentVersion: ci.CurrentVersion},
		CasePlanID:    ci.CasePlanID,
		CasePlanName:  ci.CasePlanName,
		State:         ci.State,
		Variables:     maps.Clone(ci.Variables),
	}
	for _, el := range ci.Elements {
		c.Elements = append(c.Elements, el.clone())
	}
	for _, evt := range ci.UncommittedEvents() {
		c.Append(evt)
	}
	return c
}

// commands

// CreateElement instantiates a plan item in the Available state and returns
// the new element instance id.
func (ci *CasePlanInstance) CreateElement(def PlanItem) (string, error) {
	instanceId := generateId()
	err := ci.raise(&CaseElementCreatedEvent{
		EventBase:         ci.nextBase(),
		ElementInstanceID: instanceId,
		DefinitionID:      def.EltID,
		DefinitionType:    def.Type,
	})
	if err != nil {
		return "", err
	}
	return instanceId, nil
}

// TransitionElement drives one element through the state machine.
func (ci *CasePlanInstance) TransitionElement(elementId string, tr Transition) error {
	element := ci.Element(elementId)
	if element == nil {
		return fmt.Errorf("transition %s: %w: %s", tr, ErrUnknownElementInstance, elementId)
	}
	next, err := NextState(element.State, tr)
	if err != nil {
		return fmt.Errorf("element %s: %w", elementId, err)
	}
	return ci.raise(&CaseElementTransitionedEvent{
		EventBase:         ci.nextBase(),
		ElementInstanceID: elementId,
		Transition:        tr,
		State:             next,
	})
}

// SetVariable records a case variable; later values overwrite earlier ones.
// Variables are part of the event stream so criteria and repetition rules
// see the same values on replay.
func (ci *CasePlanInstance) SetVariable(name string, value any) error {
	return ci.raise(&CaseVariableSetEvent{
		EventBase: ci.nextBase(),
		Name:      name,
		Value:     value,
	})
}

// TransitionCase drives the case itself through the state machine.
func (ci *CasePlanInstance) TransitionCase(tr Transition) error {
	next, err := NextState(ci.State, tr)
	if err != nil {
		return fmt.Errorf("case %s: %w", ci.ID, err)
	}
	return ci.raise(&CaseTransitionedEvent{
		EventBase:  ci.nextBase(),
		Transition: tr,
		State:      next,
	})
}

// read side; missing ids return nil, never errors

func (ci *CasePlanInstance) Element(id string) *WorkflowElementInstance {
	for _, el := range ci.Elements {
		if el.ID == id {
			return el
		}
	}
	return nil
}

// ElementsByDefinition returns every instance of one plan item definition.
func (ci *CasePlanInstance) ElementsByDefinition(definitionId string) []*WorkflowElementInstance {
	res := make([]*WorkflowElementInstance, 0)
	for _, el := range ci.Elements {
		if el.DefinitionID == definitionId {
			res = append(res, el)
		}
	}
	return res
}

// ElementsInState returns every element currently in the given state.
func (ci *CasePlanInstance) ElementsInState(state TaskState) []*WorkflowElementInstance {
	res := make([]*WorkflowElementInstance, 0)
	for _, el := range ci.Elements {
		if el.State == state {
			res = append(res, el)
		}
	}
	return res
}

// event application

func (ci *CasePlanInstance) nextBase() eventstore.EventBase {
	return eventstore.EventBase{
		ID:          generateId(),
		AggregateID: ci.ID,
		Version:     ci.CurrentVersion + 1,
		Timestamp:   time.Now(),
	}
}

func (ci *CasePlanInstance) raise(evt eventstore.Event) error {
	if err := ci.apply(evt); err != nil {
		return err
	}
	ci.Append(evt)
	if ci.notify == nil {
		return nil
	}
	// The send must not block: the supervision loop is both producer and
	// consumer of the channel, a cascade larger than its buffer would
	// deadlock. Once one event overflowed, later ones follow it to keep
	// the raise order.
	if len(ci.overflow) == 0 {
		select {
		case ci.notify <- evt:
			return nil
		default:
		}
	}
	ci.overflow = append(ci.overflow, evt)
	return nil
}

func (ci *CasePlanInstance) apply(evt eventstore.Event) error {
	if evt.EventVersion() != ci.CurrentVersion+1 {
		return fmt.Errorf("out-of-order event %s: version %d applied at %d",
			evt.EventID(), evt.EventVersion(), ci.CurrentVersion)
	}

	switch e := evt.(type) {
	case *CaseInstanceCreatedEvent:
		ci.CasePlanID = e.CasePlanID
		ci.CasePlanName = e.CasePlanName
		ci.State = StateAvailable
		ci.Variables = map[string]any{}

	case *CaseVariableSetEvent:
		if ci.Variables == nil {
			ci.Variables = map[string]any{}
		}
		ci.Variables[e.Name] = e.Value

	case *CaseElementCreatedEvent:
		ci.Elements = append(ci.Elements, &WorkflowElementInstance{
			ID:           e.ElementInstanceID,
			DefinitionID: e.DefinitionID,
			Type:         e.DefinitionType,
			State:        StateAvailable,
			StateHistory: []ElementStateSnapshot{{
				State:     StateAvailable,
				Timestamp: e.EventTimestamp(),
			}},
			TransitionHistory: []TransitionRecord{{
				Transition: TransitionCreate,
				Timestamp:  e.EventTimestamp(),
			}},
			Version: 1,
		})

	case *CaseElementTransitionedEvent:
		element := ci.Element(e.ElementInstanceID)
		if element == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownElementInstance, e.ElementInstanceID)
		}
		element.State = e.State
		element.StateHistory = append(element.StateHistory, ElementStateSnapshot{
			State:     e.State,
			Timestamp: e.EventTimestamp(),
		})
		element.TransitionHistory = append(element.TransitionHistory, TransitionRecord{
			Transition: e.Transition,
			Timestamp:  e.EventTimestamp(),
		})
		element.Version++

	case *CaseTransitionedEvent:
		ci.State = e.State

	default:
		return fmt.Errorf("unhandled case plan event %T", evt)
	}

	ci.CurrentVersion = evt.EventVersion()
	return nil
}
