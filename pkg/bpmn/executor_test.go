package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/caseworks/caseflow/pkg/bpmn/model"
	"github.com/caseworks/caseflow/pkg/eventstore"
	"github.com/caseworks/caseflow/pkg/expr"
)

func TestStartInstanceRunsStartToEnd(t *testing.T) {
	// setup
	ex := NewExecutor(expr.NewEvaluator(t.Context()))

	// given
	pi, err := NewProcessInstance("run-1", simpleProcess())
	assert.NoError(t, err)

	// when
	err = ex.StartInstance(t.Context(), pi, "case-1")
	assert.NoError(t, err)

	// then: start, task and end all completed, instance terminal
	assert.Equal(t, StatusCompleted, pi.Status)
	assert.False(t, pi.HasActivePointers())
	assert.Len(t, pi.FlowNodeInstances, 3)
	for _, fni := range pi.FlowNodeInstances {
		assert.Equal(t, FlowNodeStateCompleted, fni.State)
	}
}

func TestTaskHandlerReceivesAndCompletesJob(t *testing.T) {
	// setup
	ex := NewExecutor(expr.NewEvaluator(t.Context()))
	var seen []string
	ex.NewTaskHandler().Id("task").Handler(func(job *ActivatedJob) {
		seen = append(seen, job.Node().EltID)
		job.Complete(MessageToken{Name: "result", Content: "done"})
	})

	// given
	pi, err := NewProcessInstance("run-2", simpleProcess())
	assert.NoError(t, err)

	// when
	err = ex.StartInstance(t.Context(), pi, "case-1")
	assert.NoError(t, err)

	// then
	assert.Equal(t, []string{"task"}, seen)
	assert.Equal(t, StatusCompleted, pi.Status)
}

func TestTaskHandlerFailureFailsInstance(t *testing.T) {
	// setup
	ex := NewExecutor(expr.NewEvaluator(t.Context()))
	ex.NewTaskHandler().Id("task").Handler(func(job *ActivatedJob) {
		job.Fail("downstream unavailable")
	})

	// given
	pi, err := NewProcessInstance("run-3", simpleProcess())
	assert.NoError(t, err)

	// when
	err = ex.StartInstance(t.Context(), pi, "case-1")
	assert.Error(t, err)

	// then
	assert.Equal(t, StatusFailed, pi.Status)
}

func TestUserTaskWaitsForExternalCompletion(t *testing.T) {
	// setup
	ex := NewExecutor(expr.NewEvaluator(t.Context()))

	// given
	m := &model.ProcessModel{
		ID: "approval",
		Nodes: []model.FlowNode{
			{EltID: "start", Kind: model.FlowNodeKindStartEvent},
			{EltID: "review", Kind: model.FlowNodeKindUserTask},
			{EltID: "end", Kind: model.FlowNodeKindEndEvent},
		},
		SequenceFlows: []model.SequenceFlow{
			{EltID: "f1", SourceRef: "start", TargetRef: "review"},
			{EltID: "f2", SourceRef: "review", TargetRef: "end"},
		},
	}
	pi, err := NewProcessInstance("run-4", m)
	assert.NoError(t, err)

	// when
	err = ex.StartInstance(t.Context(), pi, "case-1")
	assert.NoError(t, err)

	// then: instance parked on the user task
	assert.Equal(t, StatusStarted, pi.Status)
	path := pi.ExecutionPaths[0]
	active := path.ActivePointers()
	assert.Len(t, active, 1)
	assert.Equal(t, "review", active[0].FlowNodeID)

	// when the reviewer finishes
	err = ex.CompleteUserTask(t.Context(), pi, path.ID, active[0].ID, []MessageToken{{Name: "approved"}})
	assert.NoError(t, err)

	// then
	assert.Equal(t, StatusCompleted, pi.Status)
}

func TestExclusiveGatewayPicksSatisfiedFlow(t *testing.T) {
	// setup
	ex := NewExecutor(expr.NewEvaluator(t.Context()))

	// given: gateway routing on the presence of an "approved" token
	m := &model.ProcessModel{
		ID: "decision",
		Nodes: []model.FlowNode{
			{EltID: "start", Kind: model.FlowNodeKindStartEvent},
			{EltID: "review", Kind: model.FlowNodeKindUserTask},
			{EltID: "decide", Kind: model.FlowNodeKindExclusiveGateway},
			{EltID: "accepted", Kind: model.FlowNodeKindEndEvent},
			{EltID: "rejected", Kind: model.FlowNodeKindEndEvent},
		},
		SequenceFlows: []model.SequenceFlow{
			{EltID: "f1", SourceRef: "start", TargetRef: "review"},
			{EltID: "f2", SourceRef: "review", TargetRef: "decide"},
			{EltID: "f3", SourceRef: "decide", TargetRef: "accepted",
				ConditionExpression: `context.anyToken("approved")`},
			{EltID: "f4", SourceRef: "decide", TargetRef: "rejected"},
		},
	}
	pi, err := NewProcessInstance("run-5", m)
	assert.NoError(t, err)
	err = ex.StartInstance(t.Context(), pi, "case-1")
	assert.NoError(t, err)
	path := pi.ExecutionPaths[0]
	review := path.ActivePointers()[0]

	// when
	err = ex.CompleteUserTask(t.Context(), pi, path.ID, review.ID, []MessageToken{{Name: "approved"}})
	assert.NoError(t, err)

	// then: the conditional flow won, the default stayed untouched
	assert.Equal(t, StatusCompleted, pi.Status)
	visited := make(map[string]bool)
	for _, fni := range pi.FlowNodeInstances {
		visited[fni.FlowNodeID] = true
	}
	assert.True(t, visited["accepted"])
	assert.False(t, visited["rejected"])
}

func TestParallelGatewayJoinsBeforeContinuing(t *testing.T) {
	// setup
	ex := NewExecutor(expr.NewEvaluator(t.Context()))
	var calls []string
	ex.NewTaskHandler().Kind(model.FlowNodeKindTask).Handler(func(job *ActivatedJob) {
		calls = append(calls, job.Node().EltID)
		job.Complete(job.IncomingTokens()...)
	})

	// given: fork into a and b, parallel join, then c
	m := &model.ProcessModel{
		ID: "fork-join",
		Nodes: []model.FlowNode{
			{EltID: "start", Kind: model.FlowNodeKindStartEvent},
			{EltID: "a", Kind: model.FlowNodeKindTask},
			{EltID: "b", Kind: model.FlowNodeKindTask},
			{EltID: "join", Kind: model.FlowNodeKindParallelGateway},
			{EltID: "c", Kind: model.FlowNodeKindTask},
			{EltID: "end", Kind: model.FlowNodeKindEndEvent},
		},
		SequenceFlows: []model.SequenceFlow{
			{EltID: "f1", SourceRef: "start", TargetRef: "a"},
			{EltID: "f2", SourceRef: "start", TargetRef: "b"},
			{EltID: "f3", SourceRef: "a", TargetRef: "join"},
			{EltID: "f4", SourceRef: "b", TargetRef: "join"},
			{EltID: "f5", SourceRef: "join", TargetRef: "c"},
			{EltID: "f6", SourceRef: "c", TargetRef: "end"},
		},
	}
	pi, err := NewProcessInstance("run-6", m)
	assert.NoError(t, err)

	// when
	err = ex.StartInstance(t.Context(), pi, "case-1")
	assert.NoError(t, err)

	// then: c ran exactly once, after both branches
	assert.Equal(t, StatusCompleted, pi.Status)
	count := 0
	for _, id := range calls {
		if id == "c" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestPublishMessageAdvancesCatchEvent(t *testing.T) {
	// setup
	ex := NewExecutor(expr.NewEvaluator(t.Context()))

	// given
	m := &model.ProcessModel{
		ID: "wait-for-payment",
		Nodes: []model.FlowNode{
			{EltID: "start", Kind: model.FlowNodeKindStartEvent},
			{EltID: "wait", Kind: model.FlowNodeKindIntermediateCatchEvent,
				EventDefinitions: []model.EventDefinition{{MessageRef: "msg-paid"}}},
			{EltID: "end", Kind: model.FlowNodeKindEndEvent},
		},
		SequenceFlows: []model.SequenceFlow{
			{EltID: "f1", SourceRef: "start", TargetRef: "wait"},
			{EltID: "f2", SourceRef: "wait", TargetRef: "end"},
		},
		Messages: []model.Message{{EltID: "msg-paid", Name: "paid"}},
	}
	pi, err := NewProcessInstance("run-7", m)
	assert.NoError(t, err)
	err = ex.StartInstance(t.Context(), pi, "case-1")
	assert.NoError(t, err)
	assert.Equal(t, StatusStarted, pi.Status)

	// when
	err = ex.PublishMessage(t.Context(), pi, MessageToken{Name: "paid", Content: "42 EUR"})
	assert.NoError(t, err)

	// then
	assert.Equal(t, StatusCompleted, pi.Status)
}

func TestSuspendParksInstanceUntilResume(t *testing.T) {
	// setup
	ex := NewExecutor(expr.NewEvaluator(t.Context()))

	// given: an instance parked on a user task
	m := &model.ProcessModel{
		ID: "approval",
		Nodes: []model.FlowNode{
			{EltID: "start", Kind: model.FlowNodeKindStartEvent},
			{EltID: "review", Kind: model.FlowNodeKindUserTask},
			{EltID: "end", Kind: model.FlowNodeKindEndEvent},
		},
		SequenceFlows: []model.SequenceFlow{
			{EltID: "f1", SourceRef: "start", TargetRef: "review"},
			{EltID: "f2", SourceRef: "review", TargetRef: "end"},
		},
	}
	pi, err := NewProcessInstance("run-8", m)
	assert.NoError(t, err)
	err = ex.StartInstance(t.Context(), pi, "case-1")
	assert.NoError(t, err)
	path := pi.ExecutionPaths[0]
	review := path.ActivePointers()[0]

	// when
	assert.NoError(t, pi.Suspend())

	// then: no command advances a suspended instance
	assert.Equal(t, StatusSuspended, pi.Status)
	err = ex.CompleteUserTask(t.Context(), pi, path.ID, review.ID, nil)
	assert.ErrorContains(t, err, "suspended")
	err = ex.PublishMessage(t.Context(), pi, MessageToken{Name: "paid"})
	assert.ErrorContains(t, err, "suspended")
	assert.NoError(t, ex.Run(t.Context(), pi))
	assert.Equal(t, StatusSuspended, pi.Status)

	// when resumed, the user task finishes the run
	assert.NoError(t, pi.Resume())
	assert.Equal(t, StatusStarted, pi.Status)
	err = ex.CompleteUserTask(t.Context(), pi, path.ID, review.ID, []MessageToken{{Name: "approved"}})
	assert.NoError(t, err)

	// then
	assert.Equal(t, StatusCompleted, pi.Status)
}

func TestSuspendRequiresStartedInstance(t *testing.T) {
	// given
	pi, err := NewProcessInstance("run-9", simpleProcess())
	assert.NoError(t, err)

	// then: created and completed instances refuse suspension
	assert.ErrorContains(t, pi.Suspend(), "CREATED")
	ex := NewExecutor(expr.NewEvaluator(t.Context()))
	assert.NoError(t, ex.StartInstance(t.Context(), pi, "case-1"))
	assert.ErrorContains(t, pi.Suspend(), "COMPLETED")
	assert.ErrorContains(t, pi.Resume(), "COMPLETED")
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	// when
	_, err := DecodeEvent(eventstore.StoredEvent{Type: "SOMETHING_ELSE", Data: []byte("{}")})

	// then
	assert.ErrorContains(t, err, "unknown process instance event type")
}
