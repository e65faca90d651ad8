package bpmn

import (
	"github.com/caseworks/caseflow/pkg/bpmn/model"
)

// ActivatedJob is handed to task handlers when the executor reaches a task
// node. The handler finishes it with Complete or Fail; doing neither leaves
// the pointer active, waiting for an external continuation.
type ActivatedJob struct {
	instance *ProcessInstance
	node     model.FlowNode
	pointer  *ExecutionPointer

	completed  bool
	failed     bool
	failReason string
	outcome    []MessageToken
}

func (j *ActivatedJob) InstanceID() string {
	return j.instance.AggregateID()
}

func (j *ActivatedJob) Node() model.FlowNode {
	return j.node
}

// IncomingTokens returns the tokens accumulated on the pointer so far.
func (j *ActivatedJob) IncomingTokens() []MessageToken {
	return append([]MessageToken(nil), j.pointer.IncomingTokens...)
}

// Complete finishes the job, recording tokens as the node outcome.
func (j *ActivatedJob) Complete(tokens ...MessageToken) {
	j.completed = true
	j.outcome = tokens
}

// Fail marks the job failed; the executor records the reason on the flow
// node instance and fails the process.
func (j *ActivatedJob) Fail(reason string) {
	j.failed = true
	j.failReason = reason
}
