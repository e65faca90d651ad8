package bpmn

import (
	"encoding/json"
	"fmt"

	"github.com/caseworks/caseflow/pkg/bpmn/model"
	"github.com/caseworks/caseflow/pkg/eventstore"
)

// Event types of the process instance stream. The set is closed: dispatch
// happens through DecodeEvent and ProcessInstance.apply.
const (
	EventTypeProcessInstanceCreated    = "PROCESS_INSTANCE_CREATED"
	EventTypeFlowNodeDefAdded          = "FLOW_NODE_DEF_ADDED"
	EventTypeProcessInstanceStarted    = "PROCESS_INSTANCE_STARTED"
	EventTypeProcessStatusUpdated      = "PROCESS_STATUS_UPDATED"
	EventTypeExecutionPathCreated      = "EXECUTION_PATH_CREATED"
	EventTypeFlowNodeInstanceAdded     = "FLOW_NODE_INSTANCE_ADDED"
	EventTypeExecutionPointerAdded     = "EXECUTION_POINTER_ADDED"
	EventTypeIncomingTokenAdded        = "INCOMING_TOKEN_ADDED"
	EventTypeExecutionPointerCompleted = "EXECUTION_POINTER_COMPLETED"
	EventTypeFlowNodeInstanceCompleted = "FLOW_NODE_INSTANCE_COMPLETED"
	EventTypeActivityStateUpdated      = "ACTIVITY_STATE_UPDATED"
	EventTypeMetadataUpdated           = "METADATA_UPDATED"
	EventTypeStateTransitionReceived   = "STATE_TRANSITION_RECEIVED"
)

type ProcessInstanceCreatedEvent struct {
	eventstore.EventBase
	ProcessFileID   string                 `json:"processFileId"`
	ProcessFileName string                 `json:"processFileName"`
	Messages        []model.Message        `json:"messages,omitempty"`
	Items           []model.ItemDefinition `json:"items,omitempty"`
	Interfaces      []model.Interface      `json:"interfaces,omitempty"`
	SequenceFlows   []model.SequenceFlow   `json:"sequenceFlows,omitempty"`
}

func (ProcessInstanceCreatedEvent) EventType() string { return EventTypeProcessInstanceCreated }

type FlowNodeDefAddedEvent struct {
	eventstore.EventBase
	Node model.FlowNode `json:"node"`
}

func (FlowNodeDefAddedEvent) EventType() string { return EventTypeFlowNodeDefAdded }

type ProcessInstanceStartedEvent struct {
	eventstore.EventBase
	NameIdentifier string `json:"nameIdentifier"`
}

func (ProcessInstanceStartedEvent) EventType() string { return EventTypeProcessInstanceStarted }

type ProcessStatusUpdatedEvent struct {
	eventstore.EventBase
	Status Status `json:"status"`
}

func (ProcessStatusUpdatedEvent) EventType() string { return EventTypeProcessStatusUpdated }

type ExecutionPathCreatedEvent struct {
	eventstore.EventBase
	ExecutionPathID string `json:"executionPathId"`
}

func (ExecutionPathCreatedEvent) EventType() string { return EventTypeExecutionPathCreated }

type FlowNodeInstanceAddedEvent struct {
	eventstore.EventBase
	FlowNodeInstanceID string `json:"flowNodeInstanceId"`
	FlowNodeID         string `json:"flowNodeId"`
}

func (FlowNodeInstanceAddedEvent) EventType() string { return EventTypeFlowNodeInstanceAdded }

type ExecutionPointerAddedEvent struct {
	eventstore.EventBase
	ExecutionPointerID string         `json:"executionPointerId"`
	ExecutionPathID    string         `json:"executionPathId"`
	FlowNodeInstanceID string         `json:"flowNodeInstanceId"`
	FlowNodeID         string         `json:"flowNodeId"`
	IncomingTokens     []MessageToken `json:"incomingTokens,omitempty"`
}

func (ExecutionPointerAddedEvent) EventType() string { return EventTypeExecutionPointerAdded }

type IncomingTokenAddedEvent struct {
	eventstore.EventBase
	ExecutionPathID    string         `json:"executionPathId"`
	ExecutionPointerID string         `json:"executionPointerId"`
	Tokens             []MessageToken `json:"tokens,omitempty"`
}

func (IncomingTokenAddedEvent) EventType() string { return EventTypeIncomingTokenAdded }

type ExecutionPointerCompletedEvent struct {
	eventstore.EventBase
	ExecutionPathID    string         `json:"executionPathId"`
	ExecutionPointerID string         `json:"executionPointerId"`
	OutcomeTokens      []MessageToken `json:"outcomeTokens,omitempty"`
}

func (ExecutionPointerCompletedEvent) EventType() string {
	return EventTypeExecutionPointerCompleted
}

type FlowNodeInstanceCompletedEvent struct {
	eventstore.EventBase
	FlowNodeInstanceID string `json:"flowNodeInstanceId"`
}

func (FlowNodeInstanceCompletedEvent) EventType() string {
	return EventTypeFlowNodeInstanceCompleted
}

type ActivityStateUpdatedEvent struct {
	eventstore.EventBase
	FlowNodeInstanceID string        `json:"flowNodeInstanceId"`
	State              FlowNodeState `json:"state"`
	Message            string        `json:"message,omitempty"`
}

func (ActivityStateUpdatedEvent) EventType() string { return EventTypeActivityStateUpdated }

type MetadataUpdatedEvent struct {
	eventstore.EventBase
	FlowNodeInstanceID string `json:"flowNodeInstanceId"`
	Key                string `json:"key"`
	Value              string `json:"value"`
}

func (MetadataUpdatedEvent) EventType() string { return EventTypeMetadataUpdated }

type StateTransitionReceivedEvent struct {
	eventstore.EventBase
	FlowNodeInstanceID string `json:"flowNodeInstanceId"`
	State              string `json:"state"`
	Content            string `json:"content,omitempty"`
}

func (StateTransitionReceivedEvent) EventType() string { return EventTypeStateTransitionReceived }

// eventDecoders maps the event-kind tag to its decoder; extension happens by
// registering a new kind here, not by runtime type dispatch.
var eventDecoders = map[string]func() eventstore.Event{
	EventTypeProcessInstanceCreated:    func() eventstore.Event { return &ProcessInstanceCreatedEvent{} },
	EventTypeFlowNodeDefAdded:          func() eventstore.Event { return &FlowNodeDefAddedEvent{} },
	EventTypeProcessInstanceStarted:    func() eventstore.Event { return &ProcessInstanceStartedEvent{} },
	EventTypeProcessStatusUpdated:      func() eventstore.Event { return &ProcessStatusUpdatedEvent{} },
	EventTypeExecutionPathCreated:      func() eventstore.Event { return &ExecutionPathCreatedEvent{} },
	EventTypeFlowNodeInstanceAdded:     func() eventstore.Event { return &FlowNodeInstanceAddedEvent{} },
	EventTypeExecutionPointerAdded:     func() eventstore.Event { return &ExecutionPointerAddedEvent{} },
	EventTypeIncomingTokenAdded:        func() eventstore.Event { return &IncomingTokenAddedEvent{} },
	EventTypeExecutionPointerCompleted: func() eventstore.Event { return &ExecutionPointerCompletedEvent{} },
	EventTypeFlowNodeInstanceCompleted: func() eventstore.Event { return &FlowNodeInstanceCompletedEvent{} },
	EventTypeActivityStateUpdated:      func() eventstore.Event { return &ActivityStateUpdatedEvent{} },
	EventTypeMetadataUpdated:           func() eventstore.Event { return &MetadataUpdatedEvent{} },
	EventTypeStateTransitionReceived:   func() eventstore.Event { return &StateTransitionReceivedEvent{} },
}

// DecodeEvent unmarshals a stored envelope back into its domain event.
func DecodeEvent(stored eventstore.StoredEvent) (eventstore.Event, error) {
	decoder, ok := eventDecoders[stored.Type]
	if !ok {
		return nil, fmt.Errorf("unknown process instance event type %q", stored.Type)
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
