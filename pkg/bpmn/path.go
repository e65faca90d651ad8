package bpmn

import (
	"time"
)

// Status of a process instance.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusStarted    Status = "STARTED"
	StatusSuspended  Status = "SUSPENDED"
	StatusCompleted  Status = "COMPLETED"
	StatusTerminated Status = "TERMINATED"
	StatusFailed     Status = "FAILED"
)

// FlowNodeState is the lifecycle state of one flow node occurrence.
type FlowNodeState string

const (
	FlowNodeStateActive    FlowNodeState = "ACTIVE"
	FlowNodeStateCompleted FlowNodeState = "COMPLETED"
	FlowNodeStateFailed    FlowNodeState = "FAILED"
)

// MessageToken is a named payload travelling between flow nodes, both as
// catch-event input and as pointer incoming/outgoing data.
type MessageToken struct {
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
}

// StateTransitionToken records an externally received state signal.
// Append-only: never mutated after creation.
type StateTransitionToken struct {
	FlowNodeInstanceID string    `json:"flowNodeInstanceId"`
	State              string    `json:"state"`
	Content            string    `json:"content,omitempty"`
	ReceivedAt         time.Time `json:"receivedAt"`
}

// FlowNodeStateSnapshot is one entry in a flow node instance's history.
type FlowNodeStateSnapshot struct {
	State     FlowNodeState `json:"state"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// FlowNodeInstance is a physical occurrence of a flow node definition.
// Instances are retained for history and never removed.
type FlowNodeInstance struct {
	ID         string                  `json:"id"`
	FlowNodeID string                  `json:"flowNodeId"`
	State      FlowNodeState           `json:"state"`
	Metadata   map[string]string       `json:"metadata,omitempty"`
	History    []FlowNodeStateSnapshot `json:"history,omitempty"`
}

func (i *FlowNodeInstance) clone() *FlowNodeInstance {
	c := &FlowNodeInstance{
		ID:         i.ID,
		FlowNodeID: i.FlowNodeID,
		State:      i.State,
		History:    append([]FlowNodeStateSnapshot(nil), i.History...),
	}
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// ExecutionPointer tracks one flow node's in-progress execution within a path.
type ExecutionPointer struct {
	ID                 string         `json:"id"`
	ExecutionPathID    string         `json:"executionPathId"`
	FlowNodeID         string         `json:"flowNodeId"`
	FlowNodeInstanceID string         `json:"flowNodeInstanceId"`
	IsActive           bool           `json:"isActive"`
	IncomingTokens     []MessageToken `json:"incomingTokens,omitempty"`
	OutgoingTokens     []MessageToken `json:"outgoingTokens,omitempty"`
	// MergeCount counts how many inbound sequence flows delivered a token
	// to this pointer: 1 on creation plus one per merge. Parallel joins
	// compare it against the node's incoming-flow count.
	MergeCount int `json:"mergeCount"`
}

func (p *ExecutionPointer) clone() *ExecutionPointer {
	c := *p
	c.IncomingTokens = append([]MessageToken(nil), p.IncomingTokens...)
	c.OutgoingTokens = append([]MessageToken(nil), p.OutgoingTokens...)
	return &c
}

// ExecutionPath is one concurrent thread of control inside a process instance.
type ExecutionPath struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"createdAt"`
	Pointers  []*ExecutionPointer `json:"pointers,omitempty"`
}

func (ep *ExecutionPath) clone() *ExecutionPath {
	c := &ExecutionPath{
		ID:        ep.ID,
		CreatedAt: ep.CreatedAt,
		Pointers:  make([]*ExecutionPointer, 0, len(ep.Pointers)),
	}
	for _, p := range ep.Pointers {
		c.Pointers = append(c.Pointers, p.clone())
	}
	return c
}

// ActivePointer returns the active pointer at flowNodeID, or nil.
func (ep *ExecutionPath) ActivePointer(flowNodeID string) *ExecutionPointer {
	for _, p := range ep.Pointers {
		if p.IsActive && p.FlowNodeID == flowNodeID {
			return p
		}
	}
	return nil
}

// ActivePointers returns all currently active pointers of the path.
func (ep *ExecutionPath) ActivePointers() []*ExecutionPointer {
	res := make([]*ExecutionPointer, 0, len(ep.Pointers))
	for _, p := range ep.Pointers {
		if p.IsActive {
			res = append(res, p)
		}
	}
	return res
}

func (ep *ExecutionPath) pointerByID(id string) *ExecutionPointer {
	for _, p := range ep.Pointers {
		if p.ID == id {
			return p
		}
	}
	return nil
}
