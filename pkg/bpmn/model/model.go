// Package model holds the parsed, immutable representation of a BPMN
// process definition. Flow nodes are stored as a tagged variant (kind plus
// payload) so readers never deserialize blobs.
package model

// FlowNodeKind tags the variant of a flow node definition.
type FlowNodeKind string

const (
	FlowNodeKindStartEvent             FlowNodeKind = "START_EVENT"
	FlowNodeKindEndEvent               FlowNodeKind = "END_EVENT"
	FlowNodeKindTask                   FlowNodeKind = "TASK"
	FlowNodeKindUserTask               FlowNodeKind = "USER_TASK"
	FlowNodeKindServiceTask            FlowNodeKind = "SERVICE_TASK"
	FlowNodeKindExclusiveGateway       FlowNodeKind = "EXCLUSIVE_GATEWAY"
	FlowNodeKindParallelGateway        FlowNodeKind = "PARALLEL_GATEWAY"
	FlowNodeKindIntermediateCatchEvent FlowNodeKind = "INTERMEDIATE_CATCH_EVENT"
	FlowNodeKindIntermediateThrowEvent FlowNodeKind = "INTERMEDIATE_THROW_EVENT"
)

// EventDefinition qualifies an event node: which message or operation it
// reacts to, or the timer it waits on (ISO-8601 duration).
type EventDefinition struct {
	MessageRef    string `json:"messageRef,omitempty"`
	OperationRef  string `json:"operationRef,omitempty"`
	TimerDuration string `json:"timerDuration,omitempty"`
}

// FlowNode is one process element: task, gateway or event.
type FlowNode struct {
	EltID            string            `json:"eltId"`
	Name             string            `json:"name,omitempty"`
	Kind             FlowNodeKind      `json:"kind"`
	EventDefinitions []EventDefinition `json:"eventDefinitions,omitempty"`
}

func (n FlowNode) IsCatchEvent() bool {
	return n.Kind == FlowNodeKindStartEvent || n.Kind == FlowNodeKindIntermediateCatchEvent
}

func (n FlowNode) IsGateway() bool {
	return n.Kind == FlowNodeKindExclusiveGateway || n.Kind == FlowNodeKindParallelGateway
}

// SequenceFlow connects two flow nodes, optionally guarded by a condition.
type SequenceFlow struct {
	EltID               string `json:"eltId"`
	SourceRef           string `json:"sourceRef"`
	TargetRef           string `json:"targetRef"`
	ConditionExpression string `json:"conditionExpression,omitempty"`
}

type Message struct {
	EltID   string `json:"eltId"`
	Name    string `json:"name"`
	ItemRef string `json:"itemRef,omitempty"`
}

type ItemDefinition struct {
	EltID        string `json:"eltId"`
	StructureRef string `json:"structureRef,omitempty"`
	IsCollection bool   `json:"isCollection,omitempty"`
}

type Operation struct {
	EltID      string `json:"eltId"`
	Name       string `json:"name"`
	InMessage  string `json:"inMessageRef,omitempty"`
	OutMessage string `json:"outMessageRef,omitempty"`
}

type Interface struct {
	EltID      string      `json:"eltId"`
	Name       string      `json:"name"`
	Operations []Operation `json:"operations,omitempty"`
}

// ProcessModel is one parsed process definition.
type ProcessModel struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Nodes         []FlowNode       `json:"nodes"`
	SequenceFlows []SequenceFlow   `json:"sequenceFlows"`
	Messages      []Message        `json:"messages,omitempty"`
	Items         []ItemDefinition `json:"items,omitempty"`
	Interfaces    []Interface      `json:"interfaces,omitempty"`

	// Checksum of the source document, used to detect redeployments.
	Checksum [16]byte `json:"-"`
}

// StartEvents returns every start event of the process.
func (m *ProcessModel) StartEvents() []FlowNode {
	res := make([]FlowNode, 0)
	for _, n := range m.Nodes {
		if n.Kind == FlowNodeKindStartEvent {
			res = append(res, n)
		}
	}
	return res
}

// FindNode looks a node up by its element id.
func (m *ProcessModel) FindNode(eltId string) (FlowNode, bool) {
	for _, n := range m.Nodes {
		if n.EltID == eltId {
			return n, true
		}
	}
	return FlowNode{}, false
}
