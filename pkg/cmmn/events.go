package cmmn

import (
	"encoding/json"
	"fmt"

	"github.com/caseworks/caseflow/pkg/eventstore"
)

// Event types of the case plan instance stream.
const (
	EventTypeCaseInstanceCreated     = "CASE_INSTANCE_CREATED"
	EventTypeCaseElementCreated      = "CASE_ELEMENT_CREATED"
	EventTypeCaseElementTransitioned = "CASE_ELEMENT_TRANSITIONED"
	EventTypeCaseTransitioned        = "CASE_TRANSITIONED"
	EventTypeCaseVariableSet         = "CASE_VARIABLE_SET"
)

type CaseInstanceCreatedEvent struct {
	eventstore.EventBase
	CasePlanID   string `json:"casePlanId"`
	CasePlanName string `json:"casePlanName"`
}

func (CaseInstanceCreatedEvent) EventType() string { return EventTypeCaseInstanceCreated }

type CaseElementCreatedEvent struct {
	eventstore.EventBase
	ElementInstanceID string       `json:"elementInstanceId"`
	DefinitionID      string       `json:"definitionId"`
	DefinitionType    PlanItemType `json:"definitionType"`
}

func (CaseElementCreatedEvent) EventType() string { return EventTypeCaseElementCreated }

type CaseElementTransitionedEvent struct {
	eventstore.EventBase
	ElementInstanceID string     `json:"elementInstanceId"`
	Transition        Transition `json:"transition"`
	State             TaskState  `json:"state"`
	Message           string     `json:"message,omitempty"`
}

func (CaseElementTransitionedEvent) EventType() string { return EventTypeCaseElementTransitioned }

type CaseTransitionedEvent struct {
	eventstore.EventBase
	Transition Transition `json:"transition"`
	State      TaskState  `json:"state"`
}

func (CaseTransitionedEvent) EventType() string { return EventTypeCaseTransitioned }

type CaseVariableSetEvent struct {
	eventstore.EventBase
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func (CaseVariableSetEvent) EventType() string { return EventTypeCaseVariableSet }

var eventDecoders = map[string]func() eventstore.Event{
	EventTypeCaseInstanceCreated:     func() eventstore.Event { return &CaseInstanceCreatedEvent{} },
	EventTypeCaseElementCreated:      func() eventstore.Event { return &CaseElementCreatedEvent{} },
	EventTypeCaseElementTransitioned: func() eventstore.Event { return &CaseElementTransitionedEvent{} },
	EventTypeCaseTransitioned:        func() eventstore.Event { return &CaseTransitionedEvent{} },
	EventTypeCaseVariableSet:         func() eventstore.Event { return &CaseVariableSetEvent{} },
}

// DecodeEvent unmarshals a stored envelope back into its domain event.
func DecodeEvent(stored eventstore.StoredEvent) (eventstore.Event, error) {
	decoder, ok := eventDecoders[stored.Type]
	if !ok {
		return nil, fmt.Errorf("unknown case plan event type %q", stored.Type)
	}
	evt := decoder()
	if err := json.Unmarshal(stored.Data, evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s (%s): %w", stored.ID, stored.Type, err)
	}
	return evt, nil
}

// DecodeEvents unmarshals a full stream in order.
func DecodeEvents(stored []eventstore.StoredEvent) ([]eventstore.Event, error) {
	res := make([]eventstore.Event, 0, len(stored))
	for _, s := range stored {
		evt, err := DecodeEvent(s)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, nil
}
