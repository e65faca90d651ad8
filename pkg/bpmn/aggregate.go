package bpmn

import (
	"errors"
	"fmt"
	"time"

	"github.com/caseworks/caseflow/pkg/bpmn/model"
	"github.com/caseworks/caseflow/pkg/eventstore"
	"github.com/caseworks/caseflow/pkg/expr"
)

const streamPrefix = "process-instance-"

var (
	ErrUnknownFlowNode         = errors.New("unknown flow node")
	ErrUnknownExecutionPath    = errors.New("unknown execution path")
	ErrUnknownExecutionPointer = errors.New("unknown execution pointer")
	ErrUnknownFlowNodeInstance = errors.New("unknown flow node instance")
	ErrPointerNotActive        = errors.New("execution pointer is not active")
	ErrInstanceNotCreated      = errors.New("process instance is not in created state")
)

// ConditionEvaluator decides sequence-flow guard conditions.
type ConditionEvaluator interface {
	EvaluateBool(expression string, tokens []expr.Token) (bool, error)
}

// ProcessInstance is the event-sourced state of one running process.
// All mutation flows through command methods that synthesize events,
// apply them immediately and buffer them for the committer.
type ProcessInstance struct {
	eventstore.AggregateRoot

	ProcessFileID   string
	ProcessFileName string
	NameIdentifier  string
	Status          Status

	Nodes         []model.FlowNode
	SequenceFlows []model.SequenceFlow
	Messages      []model.Message
	Items         []model.ItemDefinition
	Interfaces    []model.Interface

	ExecutionPaths    []*ExecutionPath
	FlowNodeInstances []*FlowNodeInstance
	StateTransitions  []StateTransitionToken
}

var _ eventstore.Aggregate = &ProcessInstance{}

func (pi *ProcessInstance) StreamName() string {
	return streamPrefix + pi.ID
}

// StreamNameFor returns the stream name for an instance id without loading it.
func StreamNameFor(id string) string {
	return streamPrefix + id
}

// NewProcessInstance constructs a brand-new instance from a parsed process
// model, synthesizing the created event and one definition event per node.
func NewProcessInstance(id string, m *model.ProcessModel) (*ProcessInstance, error) {
	pi := &ProcessInstance{AggregateRoot: eventstore.AggregateRoot{ID: id}}
	err := pi.raise(&ProcessInstanceCreatedEvent{
		EventBase:       pi.nextBase(),
		ProcessFileID:   m.ID,
		ProcessFileName: m.Name,
		Messages:        m.Messages,
		Items:           m.Items,
		Interfaces:      m.Interfaces,
		SequenceFlows:   m.SequenceFlows,
	})
	if err != nil {
		return nil, err
	}
	for _, node := range m.Nodes {
		err = pi.raise(&FlowNodeDefAddedEvent{
			EventBase: pi.nextBase(),
			Node:      node,
		})
		if err != nil {
			return nil, err
		}
	}
	return pi, nil
}

// NewFromEvents rehydrates an instance by replaying its ordered history.
// Replay never re-emits events.
func NewFromEvents(events []eventstore.Event) (*ProcessInstance, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("cannot rehydrate process instance from empty history")
	}
	pi := &ProcessInstance{
		AggregateRoot: eventstore.AggregateRoot{ID: events[0].EventAggregateID()},
	}
	for _, evt := range events {
		if err := pi.apply(evt); err != nil {
			return nil, err
		}
	}
	return pi, nil
}

// Clone returns a deep copy so a conflicted command sequence can be retried
// without the original having been mutated.
func (pi *ProcessInstance) Clone() *ProcessInstance {
	c := &ProcessInstance{
		AggregateRoot:   eventstore.AggregateRoot{ID: pi.ID, CurrentVersion: pi.CurrentVersion},
		ProcessFileID:   pi.ProcessFileID,
		ProcessFileName: pi.ProcessFileName,
		NameIdentifier:  pi.NameIdentifier,
		Status:          pi.Status,
		Nodes:           append([]model.FlowNode(nil), pi.Nodes...),
		SequenceFlows:   append([]model.SequenceFlow(nil), pi.SequenceFlows...),
		Messages:        append([]model.Message(nil), pi.Messages...),
		Items:           append([]model.ItemDefinition(nil), pi.Items...),
		Interfaces:      append([]model.Interface(nil), pi.Interfaces...),
		StateTransitions: append(
			[]StateTransitionToken(nil), pi.StateTransitions...),
	}
	for _, ep := range pi.ExecutionPaths {
		c.ExecutionPaths = append(c.ExecutionPaths, ep.clone())
	}
	for _, fni := range pi.FlowNodeInstances {
		c.FlowNodeInstances = append(c.FlowNodeInstances, fni.clone())
	}
	for _, evt := range pi.UncommittedEvents() {
		c.Append(evt)
	}
	return c
}

// commands

// Start marks the instance active. Valid only once, from the created state.
func (pi *ProcessInstance) Start(nameIdentifier string) error {
	if pi.Status != StatusCreated {
		return fmt.Errorf("start %s: %w", pi.ID, ErrInstanceNotCreated)
	}
	err := pi.raise(&ProcessInstanceStartedEvent{
		EventBase:      pi.nextBase(),
		NameIdentifier: nameIdentifier,
	})
	if err != nil {
		return err
	}
	return pi.UpdateStatus(StatusStarted)
}

// Suspend parks a started instance; the executor refuses to advance it
// until Resume.
func (pi *ProcessInstance) Suspend() error {
	if pi.Status != StatusStarted {
		return fmt.Errorf("suspend %s: instance is %s", pi.ID, pi.Status)
	}
	return pi.UpdateStatus(StatusSuspended)
}

// Resume returns a suspended instance to the started state.
func (pi *ProcessInstance) Resume() error {
	if pi.Status != StatusSuspended {
		return fmt.Errorf("resume %s: instance is %s", pi.ID, pi.Status)
	}
	return pi.UpdateStatus(StatusStarted)
}

func (pi *ProcessInstance) UpdateStatus(status Status) error {
	return pi.raise(&ProcessStatusUpdatedEvent{
		EventBase: pi.nextBase(),
		Status:    status,
	})
}

// NewExecutionPath creates a concurrent path and places one execution pointer
// at every start event of the definition.
func (pi *ProcessInstance) NewExecutionPath() (string, error) {
	pathId := generateId()
	err := pi.raise(&ExecutionPathCreatedEvent{
		EventBase:       pi.nextBase(),
		ExecutionPathID: pathId,
	})
	if err != nil {
		return "", err
	}
	for _, start := range pi.startEvents() {
		if _, err := pi.TryAddExecutionPointer(pathId, start, nil); err != nil {
			return "", err
		}
	}
	return pathId, nil
}

// TryAddExecutionPointer is the routing primitive. An already-active pointer
// at the target node absorbs the tokens instead of a duplicate being created;
// this is what makes converging sequence flows join.
func (pi *ProcessInstance) TryAddExecutionPointer(pathId string, node model.FlowNode, outcomeTokens []MessageToken) (string, error) {
	path := pi.GetExecutionPath(pathId)
	if path == nil {
		return "", fmt.Errorf("add pointer at %s: %w: %s", node.EltID, ErrUnknownExecutionPath, pathId)
	}
	if existing := path.ActivePointer(node.EltID); existing != nil {
		err := pi.raise(&IncomingTokenAddedEvent{
			EventBase:          pi.nextBase(),
			ExecutionPathID:    pathId,
			ExecutionPointerID: existing.ID,
			Tokens:             outcomeTokens,
		})
		if err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	instanceId := generateId()
	err := pi.raise(&FlowNodeInstanceAddedEvent{
		EventBase:          pi.nextBase(),
		FlowNodeInstanceID: instanceId,
		FlowNodeID:         node.EltID,
	})
	if err != nil {
		return "", err
	}
	pointerId := generateId()
	err = pi.raise(&ExecutionPointerAddedEvent{
		EventBase:          pi.nextBase(),
		ExecutionPointerID: pointerId,
		ExecutionPathID:    pathId,
		FlowNodeInstanceID: instanceId,
		FlowNodeID:         node.EltID,
		IncomingTokens:     outcomeTokens,
	})
	if err != nil {
		return "", err
	}
	return pointerId, nil
}

// CompleteExecutionPointer deactivates the pointer, records its outgoing
// tokens and fans out one pointer per downstream flow node, returning the
// resulting pointer ids.
func (pi *ProcessInstance) CompleteExecutionPointer(pathId string, pointerId string, nextFlowNodeIds []string, outcomeValues []MessageToken) ([]string, error) {
	path := pi.GetExecutionPath(pathId)
	if path == nil {
		return nil, fmt.Errorf("complete pointer %s: %w: %s", pointerId, ErrUnknownExecutionPath, pathId)
	}
	pointer := path.pointerByID(pointerId)
	if pointer == nil {
		return nil, fmt.Errorf("complete pointer: %w: %s", ErrUnknownExecutionPointer, pointerId)
	}
	if !pointer.IsActive {
		return nil, fmt.Errorf("complete pointer %s: %w", pointerId, ErrPointerNotActive)
	}
	err := pi.raise(&ExecutionPointerCompletedEvent{
		EventBase:          pi.nextBase(),
		ExecutionPathID:    pathId,
		ExecutionPointerID: pointerId,
		OutcomeTokens:      outcomeValues,
	})
	if err != nil {
		return nil, err
	}
	err = pi.raise(&FlowNodeInstanceCompletedEvent{
		EventBase:          pi.nextBase(),
		FlowNodeInstanceID: pointer.FlowNodeInstanceID,
	})
	if err != nil {
		return nil, err
	}

	nextPointers := make([]string, 0, len(nextFlowNodeIds))
	for _, nodeId := range nextFlowNodeIds {
		node, ok := pi.FindNode(nodeId)
		if !ok {
			return nil, fmt.Errorf("fan out from %s: %w: %s", pointerId, ErrUnknownFlowNode, nodeId)
		}
		id, err := pi.TryAddExecutionPointer(pathId, node, outcomeValues)
		if err != nil {
			return nil, err
		}
		nextPointers = append(nextPointers, id)
	}
	return nextPointers, nil
}

// ConsumeMessage appends the token to every active catch-event pointer whose
// event definitions accept it. Ordering among matching pointers carries no
// guarantee; each consumption is an independent event.
func (pi *ProcessInstance) ConsumeMessage(token MessageToken) error {
	for _, path := range pi.ExecutionPaths {
		for _, pointer := range path.ActivePointers() {
			node, ok := pi.FindNode(pointer.FlowNodeID)
			if !ok || !node.IsCatchEvent() {
				continue
			}
			if !pi.messageMatches(node, token) {
				continue
			}
			err := pi.raise(&IncomingTokenAddedEvent{
				EventBase:          pi.nextBase(),
				ExecutionPathID:    path.ID,
				ExecutionPointerID: pointer.ID,
				Tokens:             []MessageToken{token},
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ConsumeStateTransition records an external state signal against its flow
// node instance. An unknown instance id is a no-op: the signal may outlive
// the element it addressed.
func (pi *ProcessInstance) ConsumeStateTransition(token StateTransitionToken) error {
	if pi.GetFlowNodeInstance(token.FlowNodeInstanceID) == nil {
		return nil
	}
	return pi.raise(&StateTransitionReceivedEvent{
		EventBase:          pi.nextBase(),
		FlowNodeInstanceID: token.FlowNodeInstanceID,
		State:              token.State,
		Content:            token.Content,
	})
}

// UpdateActivityState records a state change on a flow node instance.
func (pi *ProcessInstance) UpdateActivityState(instanceId string, state FlowNodeState, message string) error {
	if pi.GetFlowNodeInstance(instanceId) == nil {
		return fmt.Errorf("update activity state: %w: %s", ErrUnknownFlowNodeInstance, instanceId)
	}
	return pi.raise(&ActivityStateUpdatedEvent{
		EventBase:          pi.nextBase(),
		FlowNodeInstanceID: instanceId,
		State:              state,
		Message:            message,
	})
}

// UpdateMetadata sets one metadata entry on a flow node instance.
func (pi *ProcessInstance) UpdateMetadata(instanceId string, key string, value string) error {
	if pi.GetFlowNodeInstance(instanceId) == nil {
		return fmt.Errorf("update metadata: %w: %s", ErrUnknownFlowNodeInstance, instanceId)
	}
	return pi.raise(&MetadataUpdatedEvent{
		EventBase:          pi.nextBase(),
		FlowNodeInstanceID: instanceId,
		Key:                key,
		Value:              value,
	})
}

// IsIncomingSatisfied gates a sequence flow: unconditionally true unless the
// flow carries a condition expression, in which case the evaluator decides.
func (pi *ProcessInstance) IsIncomingSatisfied(eval ConditionEvaluator, flow model.SequenceFlow, incoming []MessageToken) (bool, error) {
	if flow.ConditionExpression == "" {
		return true, nil
	}
	tokens := make([]expr.Token, 0, len(incoming))
	for _, t := range incoming {
		tokens = append(tokens, expr.Token{
			Name:    t.Name,
			Payload: map[string]any{"content": t.Content},
		})
	}
	return eval.EvaluateBool(flow.ConditionExpression, tokens)
}

// read side; missing ids return zero values, never errors

func (pi *ProcessInstance) GetExecutionPath(id string) *ExecutionPath {
	for _, ep := range pi.ExecutionPaths {
		if ep.ID == id {
			return ep
		}
	}
	return nil
}

func (pi *ProcessInstance) GetExecutionPointer(pathId string, pointerId string) *ExecutionPointer {
	path := pi.GetExecutionPath(pathId)
	if path == nil {
		return nil
	}
	return path.pointerByID(pointerId)
}

func (pi *ProcessInstance) GetFlowNodeInstance(id string) *FlowNodeInstance {
	for _, fni := range pi.FlowNodeInstances {
		if fni.ID == id {
			return fni
		}
	}
	return nil
}

func (pi *ProcessInstance) FindNode(eltId string) (model.FlowNode, bool) {
	for _, n := range pi.Nodes {
		if n.EltID == eltId {
			return n, true
		}
	}
	return model.FlowNode{}, false
}

// HasActivePointers reports whether any path still holds an active pointer.
func (pi *ProcessInstance) HasActivePointers() bool {
	for _, ep := range pi.ExecutionPaths {
		if len(ep.ActivePointers()) > 0 {
			return true
		}
	}
	return false
}

// IncomingFlows returns the sequence flows targeting the given node.
func (pi *ProcessInstance) IncomingFlows(nodeId string) []model.SequenceFlow {
	res := make([]model.SequenceFlow, 0)
	for _, f := range pi.SequenceFlows {
		if f.TargetRef == nodeId {
			res = append(res, f)
		}
	}
	return res
}

// OutgoingFlows returns the sequence flows leaving the given node.
func (pi *ProcessInstance) OutgoingFlows(nodeId string) []model.SequenceFlow {
	res := make([]model.SequenceFlow, 0)
	for _, f := range pi.SequenceFlows {
		if f.SourceRef == nodeId {
			res = append(res, f)
		}
	}
	return res
}

func (pi *ProcessInstance) startEvents() []model.FlowNode {
	res := make([]model.FlowNode, 0)
	for _, n := range pi.Nodes {
		if n.Kind == model.FlowNodeKindStartEvent {
			res = append(res, n)
		}
	}
	return res
}

func (pi *ProcessInstance) messageByID(id string) (model.Message, bool) {
	for _, m := range pi.Messages {
		if m.EltID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

func (pi *ProcessInstance) messageMatches(node model.FlowNode, token MessageToken) bool {
	for _, ed := range node.EventDefinitions {
		if ed.MessageRef == "" {
			continue
		}
		if msg, ok := pi.messageByID(ed.MessageRef); ok {
			if msg.Name == token.Name {
				return true
			}
			continue
		}
		if ed.MessageRef == token.Name {
			return true
		}
	}
	return false
}

// event application

func (pi *ProcessInstance) nextBase() eventstore.EventBase {
	return eventstore.EventBase{
		ID:          generateId(),
		AggregateID: pi.ID,
		Version:     pi.CurrentVersion + 1,
		Timestamp:   time.Now(),
	}
}

// raise applies a freshly synthesized event and buffers it for commit.
func (pi *ProcessInstance) raise(evt eventstore.Event) error {
	if err := pi.apply(evt); err != nil {
		return err
	}
	pi.Append(evt)
	return nil
}

func (pi *ProcessInstance) apply(evt eventstore.Event) error {
	if evt.EventVersion() != pi.CurrentVersion+1 {
		return fmt.Errorf("out-of-order event %s: version %d applied at %d",
			evt.EventID(), evt.EventVersion(), pi.CurrentVersion)
	}

	switch e := evt.(type) {
	case *ProcessInstanceCreatedEvent:
		pi.ProcessFileID = e.ProcessFileID
		pi.ProcessFileName = e.ProcessFileName
		pi.Messages = e.Messages
		pi.Items = e.Items
		pi.Interfaces = e.Interfaces
		pi.SequenceFlows = e.SequenceFlows
		pi.Status = StatusCreated

	case *FlowNodeDefAddedEvent:
		pi.Nodes = append(pi.Nodes, e.Node)

	case *ProcessInstanceStartedEvent:
		pi.NameIdentifier = e.NameIdentifier

	case *ProcessStatusUpdatedEvent:
		pi.Status = e.Status

	case *ExecutionPathCreatedEvent:
		pi.ExecutionPaths = append(pi.ExecutionPaths, &ExecutionPath{
			ID:        e.ExecutionPathID,
			CreatedAt: e.EventTimestamp(),
		})

	case *FlowNodeInstanceAddedEvent:
		pi.FlowNodeInstances = append(pi.FlowNodeInstances, &FlowNodeInstance{
			ID:         e.FlowNodeInstanceID,
			FlowNodeID: e.FlowNodeID,
			State:      FlowNodeStateActive,
			History: []FlowNodeStateSnapshot{{
				State:     FlowNodeStateActive,
				Timestamp: e.EventTimestamp(),
			}},
		})

	case *ExecutionPointerAddedEvent:
		path := pi.GetExecutionPath(e.ExecutionPathID)
		if path == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownExecutionPath, e.ExecutionPathID)
		}
		path.Pointers = append(path.Pointers, &ExecutionPointer{
			ID:                 e.ExecutionPointerID,
			ExecutionPathID:    e.ExecutionPathID,
			FlowNodeID:         e.FlowNodeID,
			FlowNodeInstanceID: e.FlowNodeInstanceID,
			IsActive:           true,
			IncomingTokens:     append([]MessageToken(nil), e.IncomingTokens...),
			MergeCount:         1,
		})

	case *IncomingTokenAddedEvent:
		path := pi.GetExecutionPath(e.ExecutionPathID)
		if path == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownExecutionPath, e.ExecutionPathID)
		}
		pointer := path.pointerByID(e.ExecutionPointerID)
		if pointer == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownExecutionPointer, e.ExecutionPointerID)
		}
		pointer.IncomingTokens = append(pointer.IncomingTokens, e.Tokens...)
		pointer.MergeCount++

	case *ExecutionPointerCompletedEvent:
		path := pi.GetExecutionPath(e.ExecutionPathID)
		if path == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownExecutionPath, e.ExecutionPathID)
		}
		pointer := path.pointerByID(e.ExecutionPointerID)
		if pointer == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownExecutionPointer, e.ExecutionPointerID)
		}
		pointer.IsActive = false
		pointer.OutgoingTokens = append(pointer.OutgoingTokens, e.OutcomeTokens...)

	case *FlowNodeInstanceCompletedEvent:
		fni := pi.GetFlowNodeInstance(e.FlowNodeInstanceID)
		if fni == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownFlowNodeInstance, e.FlowNodeInstanceID)
		}
		fni.State = FlowNodeStateCompleted
		fni.History = append(fni.History, FlowNodeStateSnapshot{
			State:     FlowNodeStateCompleted,
			Timestamp: e.EventTimestamp(),
		})

	case *ActivityStateUpdatedEvent:
		fni := pi.GetFlowNodeInstance(e.FlowNodeInstanceID)
		if fni == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownFlowNodeInstance, e.FlowNodeInstanceID)
		}
		fni.State = e.State
		fni.History = append(fni.History, FlowNodeStateSnapshot{
			State:     e.State,
			Message:   e.Message,
			Timestamp: e.EventTimestamp(),
		})

	case *MetadataUpdatedEvent:
		fni := pi.GetFlowNodeInstance(e.FlowNodeInstanceID)
		if fni == nil {
			return fmt.Errorf("apply %s: %w: %s", e.EventID(), ErrUnknownFlowNodeInstance, e.FlowNodeInstanceID)
		}
		if fni.Metadata == nil {
			fni.Metadata = map[string]string{}
		}
		fni.Metadata[e.Key] = e.Value

	case *StateTransitionReceivedEvent:
		pi.StateTransitions = append(pi.StateTransitions, StateTransitionToken{
			FlowNodeInstanceID: e.FlowNodeInstanceID,
			State:              e.State,
			Content:            e.Content,
			ReceivedAt:         e.EventTimestamp(),
		})

	default:
		return fmt.Errorf("unhandled process instance event %T", evt)
	}

	pi.CurrentVersion = evt.EventVersion()
	return nil
}
