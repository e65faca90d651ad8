package bpmn

import (
	"slices"

	"github.com/caseworks/caseflow/pkg/bpmn/model"
)

type taskMatcher func(node model.FlowNode) bool

type taskHandlerType string

const (
	taskHandlerForId   taskHandlerType = "TASK_HANDLER_ID"
	taskHandlerForKind taskHandlerType = "TASK_HANDLER_KIND"
)

type taskHandler struct {
	handlerType taskHandlerType
	matches     taskMatcher
	handler     func(job *ActivatedJob)
}

type newTaskHandlerCommand struct {
	handlerType taskHandlerType
	matcher     taskMatcher
	append      func(handler *taskHandler)
}

type NewTaskHandlerCommand2 interface {
	// Handler is the actual handler to be executed
	Handler(func(job *ActivatedJob)) *taskHandler
}

type NewTaskHandlerCommand1 interface {
	// Id defines a handler for a given element ID (as defined in the task element in the BPMN file)
	Id(id string) NewTaskHandlerCommand2

	// Kind defines a handler for every task node of the given kind,
	// letting a single handler serve multiple task definitions.
	Kind(kind model.FlowNodeKind) NewTaskHandlerCommand2
}

// NewTaskHandler registers a handler function to be called for task nodes
func (ex *Executor) NewTaskHandler() NewTaskHandlerCommand1 {
	cmd := newTaskHandlerCommand{
		append: func(handler *taskHandler) {
			ex.taskHandlersMu.Lock()
			defer ex.taskHandlersMu.Unlock()
			ex.taskHandlers = append(ex.taskHandlers, handler)
		},
	}
	return cmd
}

// Id implements NewTaskHandlerCommand1
func (thc newTaskHandlerCommand) Id(id string) NewTaskHandlerCommand2 {
	thc.matcher = func(node model.FlowNode) bool {
		return node.EltID == id
	}
	thc.handlerType = taskHandlerForId
	return thc
}

// Kind implements NewTaskHandlerCommand1
func (thc newTaskHandlerCommand) Kind(kind model.FlowNodeKind) NewTaskHandlerCommand2 {
	thc.matcher = func(node model.FlowNode) bool {
		return node.Kind == kind
	}
	thc.handlerType = taskHandlerForKind
	return thc
}

// Handler implements NewTaskHandlerCommand2
func (thc newTaskHandlerCommand) Handler(f func(job *ActivatedJob)) *taskHandler {
	th := taskHandler{
		handlerType: thc.handlerType,
		matches:     thc.matcher,
		handler:     f,
	}
	thc.append(&th)
	return &th
}

// RemoveHandler removes the handler created by Handler method
func (ex *Executor) RemoveHandler(handler *taskHandler) {
	ex.taskHandlersMu.Lock()
	defer ex.taskHandlersMu.Unlock()
	for i, hand := range ex.taskHandlers {
		if hand == handler {
			ex.taskHandlers = slices.Delete(ex.taskHandlers, i, i+1)
			return
		}
	}
}

func (ex *Executor) findTaskHandler(node model.FlowNode) func(job *ActivatedJob) {
	ex.taskHandlersMu.RLock()
	defer ex.taskHandlersMu.RUnlock()
	for _, handlerType := range []taskHandlerType{taskHandlerForId, taskHandlerForKind} {
		for _, handler := range ex.taskHandlers {
			if handler.handlerType == handlerType && handler.matches(node) {
				return handler.handler
			}
		}
	}
	return nil
}
