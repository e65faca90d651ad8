package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/caseworks/caseflow/pkg/bpmn/model"
)

func simpleProcess() *model.ProcessModel {
	return &model.ProcessModel{
		ID:   "simple-process",
		Name: "simple process",
		Nodes: []model.FlowNode{
			{EltID: "start", Kind: model.FlowNodeKindStartEvent},
			{EltID: "task", Kind: model.FlowNodeKindTask},
			{EltID: "end", Kind: model.FlowNodeKindEndEvent},
		},
		SequenceFlows: []model.SequenceFlow{
			{EltID: "flow-1", SourceRef: "start", TargetRef: "task"},
			{EltID: "flow-2", SourceRef: "task", TargetRef: "end"},
		},
	}
}

func TestNewProcessInstanceSynthesizesHistory(t *testing.T) {
	// when
	pi, err := NewProcessInstance("pi-1", simpleProcess())
	assert.NoError(t, err)

	// then
	events := pi.UncommittedEvents()
	assert.Len(t, events, 4) // created + three node definitions
	assert.Equal(t, EventTypeProcessInstanceCreated, events[0].EventType())
	assert.Equal(t, int64(4), pi.Version())
	assert.Equal(t, StatusCreated, pi.Status)
	assert.Equal(t, "process-instance-pi-1", pi.StreamName())
}

func TestVersionMonotonicity(t *testing.T) {
	// given
	pi, err := NewProcessInstance("pi-2", simpleProcess())
	assert.NoError(t, err)
	assert.NoError(t, pi.Start("case-42"))
	_, err = pi.NewExecutionPath()
	assert.NoError(t, err)

	// then
	var prev int64
	for _, evt := range pi.UncommittedEvents() {
		assert.Equal(t, prev+1, evt.EventVersion())
		prev = evt.EventVersion()
	}
	assert.Equal(t, prev, pi.Version())
}

func TestReplayDeterminism(t *testing.T) {
	// given
	pi, err := NewProcessInstance("pi-3", simpleProcess())
	assert.NoError(t, err)
	assert.NoError(t, pi.Start("case-1"))
	pathId, err := pi.NewExecutionPath()
	assert.NoError(t, err)
	path := pi.GetExecutionPath(pathId)
	assert.Len(t, path.Pointers, 1)
	_, err = pi.CompleteExecutionPointer(pathId, path.Pointers[0].ID, []string{"task"}, []MessageToken{{Name: "go"}})
	assert.NoError(t, err)

	// when
	replayed, err := NewFromEvents(pi.UncommittedEvents())
	assert.NoError(t, err)

	// then
	assert.Equal(t, pi.Version(), replayed.Version())
	assert.Equal(t, pi.Status, replayed.Status)
	assert.Equal(t, pi.Nodes, replayed.Nodes)
	assert.Equal(t, pi.ExecutionPaths, replayed.ExecutionPaths)
	assert.Equal(t, pi.FlowNodeInstances, replayed.FlowNodeInstances)
	assert.Empty(t, replayed.UncommittedEvents())
}

func TestTryAddExecutionPointerMergesActivePointer(t *testing.T) {
	// given
	pi, err := NewProcessInstance("pi-4", simpleProcess())
	assert.NoError(t, err)
	assert.NoError(t, pi.Start("case-1"))
	pathId, err := pi.NewExecutionPath()
	assert.NoError(t, err)
	task, _ := pi.FindNode("task")

	// when
	first, err := pi.TryAddExecutionPointer(pathId, task, []MessageToken{{Name: "a"}})
	assert.NoError(t, err)
	second, err := pi.TryAddExecutionPointer(pathId, task, []MessageToken{{Name: "b"}})
	assert.NoError(t, err)

	// then
	assert.Equal(t, first, second)
	pointer := pi.GetExecutionPointer(pathId, first)
	assert.True(t, pointer.IsActive)
	assert.Equal(t, []MessageToken{{Name: "a"}, {Name: "b"}}, pointer.IncomingTokens)
	assert.Equal(t, 2, pointer.MergeCount)
}

func TestJoinFanOutProducesSinglePointer(t *testing.T) {
	// given: two tasks converging on one join node
	m := &model.ProcessModel{
		ID: "join-process",
		Nodes: []model.FlowNode{
			{EltID: "start", Kind: model.FlowNodeKindStartEvent},
			{EltID: "a", Kind: model.FlowNodeKindTask},
			{EltID: "b", Kind: model.FlowNodeKindTask},
			{EltID: "join", Kind: model.FlowNodeKindParallelGateway},
		},
		SequenceFlows: []model.SequenceFlow{
			{EltID: "f1", SourceRef: "start", TargetRef: "a"},
			{EltID: "f2", SourceRef: "start", TargetRef: "b"},
			{EltID: "f3", SourceRef: "a", TargetRef: "join"},
			{EltID: "f4", SourceRef: "b", TargetRef: "join"},
		},
	}
	pi, err := NewProcessInstance("pi-5", m)
	assert.NoError(t, err)
	assert.NoError(t, pi.Start("case-1"))
	pathId, err := pi.NewExecutionPath()
	assert.NoError(t, err)
	a, _ := pi.FindNode("a")
	b, _ := pi.FindNode("b")
	aId, err := pi.TryAddExecutionPointer(pathId, a, nil)
	assert.NoError(t, err)
	bId, err := pi.TryAddExecutionPointer(pathId, b, nil)
	assert.NoError(t, err)

	// when: both predecessors complete towards the join independently
	fromA, err := pi.CompleteExecutionPointer(pathId, aId, []string{"join"}, []MessageToken{{Name: "from-a"}})
	assert.NoError(t, err)
	fromB, err := pi.CompleteExecutionPointer(pathId, bId, []string{"join"}, []MessageToken{{Name: "from-b"}})
	assert.NoError(t, err)

	// then: exactly one join pointer holding both token sets
	assert.Equal(t, fromA, fromB)
	pointer := pi.GetExecutionPointer(pathId, fromA[0])
	assert.Equal(t, []MessageToken{{Name: "from-a"}, {Name: "from-b"}}, pointer.IncomingTokens)
	active := 0
	for _, p := range pi.GetExecutionPath(pathId).Pointers {
		if p.IsActive && p.FlowNodeID == "join" {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestCompleteExecutionPointerRejectsInactivePointer(t *testing.T) {
	// given
	pi, err := NewProcessInstance("pi-6", simpleProcess())
	assert.NoError(t, err)
	assert.NoError(t, pi.Start("case-1"))
	pathId, err := pi.NewExecutionPath()
	assert.NoError(t, err)
	startPointer := pi.GetExecutionPath(pathId).Pointers[0]
	_, err = pi.CompleteExecutionPointer(pathId, startPointer.ID, []string{"task"}, nil)
	assert.NoError(t, err)

	// when
	_, err = pi.CompleteExecutionPointer(pathId, startPointer.ID, []string{"task"}, nil)

	// then
	assert.ErrorIs(t, err, ErrPointerNotActive)
}

func TestConsumeMessageUnblocksCatchEventPointers(t *testing.T) {
	// given
	m := &model.ProcessModel{
		ID: "catch-process",
		Nodes: []model.FlowNode{
			{EltID: "start", Kind: model.FlowNodeKindStartEvent},
			{EltID: "wait", Kind: model.FlowNodeKindIntermediateCatchEvent,
				EventDefinitions: []model.EventDefinition{{MessageRef: "msg-approved"}}},
		},
		SequenceFlows: []model.SequenceFlow{
			{EltID: "f1", SourceRef: "start", TargetRef: "wait"},
		},
		Messages: []model.Message{
			{EltID: "msg-approved", Name: "approved"},
		},
	}
	pi, err := NewProcessInstance("pi-7", m)
	assert.NoError(t, err)
	assert.NoError(t, pi.Start("case-1"))
	pathId, err := pi.NewExecutionPath()
	assert.NoError(t, err)
	startPointer := pi.GetExecutionPath(pathId).Pointers[0]
	next, err := pi.CompleteExecutionPointer(pathId, startPointer.ID, []string{"wait"}, nil)
	assert.NoError(t, err)

	// when
	assert.NoError(t, pi.ConsumeMessage(MessageToken{Name: "approved", Content: "yes"}))
	assert.NoError(t, pi.ConsumeMessage(MessageToken{Name: "unrelated"}))

	// then
	pointer := pi.GetExecutionPointer(pathId, next[0])
	assert.Equal(t, []MessageToken{{Name: "approved", Content: "yes"}}, pointer.IncomingTokens)
}

func TestConsumeStateTransitionUnknownInstanceIsNoOp(t *testing.T) {
	// given
	pi, err := NewProcessInstance("pi-8", simpleProcess())
	assert.NoError(t, err)
	before := pi.Version()

	// when
	err = pi.ConsumeStateTransition(StateTransitionToken{FlowNodeInstanceID: "missing", State: "DONE"})

	// then
	assert.NoError(t, err)
	assert.Equal(t, before, pi.Version())
	assert.Empty(t, pi.StateTransitions)
}

func TestCloneIsolatesMutations(t *testing.T) {
	// given
	pi, err := NewProcessInstance("pi-9", simpleProcess())
	assert.NoError(t, err)
	assert.NoError(t, pi.Start("case-1"))
	pathId, err := pi.NewExecutionPath()
	assert.NoError(t, err)

	// when
	clone := pi.Clone()
	pointer := clone.GetExecutionPath(pathId).Pointers[0]
	_, err = clone.CompleteExecutionPointer(pathId, pointer.ID, []string{"task"}, nil)
	assert.NoError(t, err)

	// then: the original still holds an active start pointer
	assert.Equal(t, pi.Version()+4, clone.Version())
	original := pi.GetExecutionPath(pathId).Pointers[0]
	assert.True(t, original.IsActive)
	assert.Len(t, pi.GetExecutionPath(pathId).Pointers, 1)
}

func TestUpdateActivityStateRecordsHistory(t *testing.T) {
	// given
	pi, err := NewProcessInstance("pi-10", simpleProcess())
	assert.NoError(t, err)
	assert.NoError(t, pi.Start("case-1"))
	_, err = pi.NewExecutionPath()
	assert.NoError(t, err)
	fni := pi.FlowNodeInstances[0]

	// when
	assert.NoError(t, pi.UpdateActivityState(fni.ID, FlowNodeStateFailed, "boom"))
	assert.NoError(t, pi.UpdateMetadata(fni.ID, "assignee", "alice"))

	// then
	assert.Equal(t, FlowNodeStateFailed, fni.State)
	assert.Len(t, fni.History, 2)
	assert.Equal(t, "boom", fni.History[1].Message)
	assert.Equal(t, "alice", fni.Metadata["assignee"])

	// and unknown instances are command errors
	assert.ErrorIs(t, pi.UpdateActivityState("missing", FlowNodeStateActive, ""), ErrUnknownFlowNodeInstance)
	assert.ErrorIs(t, pi.UpdateMetadata("missing", "k", "v"), ErrUnknownFlowNodeInstance)
}
