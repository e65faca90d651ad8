package bpmn

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/caseworks/caseflow/pkg/bpmn/model"
)

// Executor drives a process instance through its flow nodes. It owns no
// state of its own beyond handler registrations; all progress lives in the
// aggregate's events.
type Executor struct {
	name      string
	evaluator ConditionEvaluator
	logger    hclog.Logger

	taskHandlers   []*taskHandler
	taskHandlersMu sync.RWMutex
}

type ExecutorOption = func(*Executor)

// NewExecutor creates a new instance of the process executor;
func NewExecutor(evaluator ConditionEvaluator, options ...ExecutorOption) *Executor {
	ex := &Executor{
		name:         fmt.Sprintf("Bpmn-Executor-%d", getGlobalSnowflakeIdGenerator().Generate().Int64()),
		evaluator:    evaluator,
		logger:       hclog.Default().Named("bpmn-executor"),
		taskHandlers: []*taskHandler{},
	}
	for _, option := range options {
		option(ex)
	}
	return ex
}

func ExecutorWithName(name string) ExecutorOption {
	return func(ex *Executor) { ex.name = name }
}

func ExecutorWithLogger(logger hclog.Logger) ExecutorOption {
	return func(ex *Executor) { ex.logger = logger }
}

// Name returns the name of the executor, only useful in case you control multiple ones
func (ex *Executor) Name() string {
	return ex.name
}

// StartInstance starts the instance, opens its first execution path and
// advances it as far as the definition allows.
func (ex *Executor) StartInstance(ctx context.Context, pi *ProcessInstance, nameIdentifier string) error {
	if err := pi.Start(nameIdentifier); err != nil {
		return err
	}
	if _, err := pi.NewExecutionPath(); err != nil {
		return err
	}
	return ex.Run(ctx, pi)
}

// Run advances every active pointer of the instance until all of them wait
// on something external or the instance finishes. A suspended instance is
// left untouched.
func (ex *Executor) Run(ctx context.Context, pi *ProcessInstance) error {
	if pi.Status == StatusSuspended {
		return nil
	}
	var commandQueue []command
	for _, path := range pi.ExecutionPaths {
		for _, pointer := range path.ActivePointers() {
			commandQueue = append(commandQueue, pointerCommand{
				pathId:    path.ID,
				pointerId: pointer.ID,
			})
		}
	}

	// *** MAIN LOOP ***
	for len(commandQueue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd := commandQueue[0]
		commandQueue = commandQueue[1:]

		switch tCmd := cmd.(type) {
		case pointerCommand:
			nextCommands, err := ex.handlePointer(ctx, pi, tCmd)
			if err != nil {
				return fmt.Errorf("failed to handle pointer %s: %w", tCmd.pointerId, err)
			}
			commandQueue = append(commandQueue, nextCommands...)
		case errorCommand:
			ex.logger.Error("process instance failed",
				"instance", pi.AggregateID(), "element", tCmd.elementId, "error", tCmd.err)
			if err := pi.UpdateStatus(StatusFailed); err != nil {
				return err
			}
			return tCmd.err
		default:
			panic("[invariant check] command type check not fully implemented")
		}
	}

	if pi.Status == StatusStarted && !pi.HasActivePointers() {
		return pi.UpdateStatus(StatusCompleted)
	}
	return nil
}

// PublishMessage delivers an external message token to the instance and
// advances whatever the token unblocked.
func (ex *Executor) PublishMessage(ctx context.Context, pi *ProcessInstance, token MessageToken) error {
	if pi.Status == StatusSuspended {
		return fmt.Errorf("publish message: instance %s is suspended", pi.ID)
	}
	if err := pi.ConsumeMessage(token); err != nil {
		return err
	}
	return ex.Run(ctx, pi)
}

// CompleteUserTask finishes a waiting user-task pointer with the given
// outcome tokens and advances the instance.
func (ex *Executor) CompleteUserTask(ctx context.Context, pi *ProcessInstance, pathId string, pointerId string, outcome []MessageToken) error {
	if pi.Status == StatusSuspended {
		return fmt.Errorf("complete user task: instance %s is suspended", pi.ID)
	}
	pointer := pi.GetExecutionPointer(pathId, pointerId)
	if pointer == nil {
		return fmt.Errorf("complete user task: %w: %s", ErrUnknownExecutionPointer, pointerId)
	}
	node, ok := pi.FindNode(pointer.FlowNodeID)
	if !ok {
		return fmt.Errorf("complete user task: %w: %s", ErrUnknownFlowNode, pointer.FlowNodeID)
	}
	if node.Kind != model.FlowNodeKindUserTask {
		return fmt.Errorf("complete user task: node %s is a %s", node.EltID, node.Kind)
	}
	if err := ex.advance(pi, pathId, pointer, node, outcome); err != nil {
		return err
	}
	return ex.Run(ctx, pi)
}

func (ex *Executor) handlePointer(ctx context.Context, pi *ProcessInstance, cmd pointerCommand) ([]command, error) {
	path := pi.GetExecutionPath(cmd.pathId)
	if path == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutionPath, cmd.pathId)
	}
	pointer := path.pointerByID(cmd.pointerId)
	if pointer == nil || !pointer.IsActive {
		// already advanced through a merge, nothing left to do
		return nil, nil
	}
	node, ok := pi.FindNode(pointer.FlowNodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlowNode, pointer.FlowNodeID)
	}

	switch node.Kind {
	case model.FlowNodeKindStartEvent:
		return ex.advanceCommands(pi, cmd.pathId, pointer, node, pointer.IncomingTokens)

	case model.FlowNodeKindEndEvent:
		_, err := pi.CompleteExecutionPointer(cmd.pathId, pointer.ID, nil, pointer.IncomingTokens)
		return nil, err

	case model.FlowNodeKindTask, model.FlowNodeKindServiceTask:
		handler := ex.findTaskHandler(node)
		if handler == nil {
			// no handler registered: pass the incoming tokens through
			return ex.advanceCommands(pi, cmd.pathId, pointer, node, pointer.IncomingTokens)
		}
		job := &ActivatedJob{instance: pi, node: node, pointer: pointer}
		handler(job)
		if job.failed {
			if err := pi.UpdateActivityState(pointer.FlowNodeInstanceID, FlowNodeStateFailed, job.failReason); err != nil {
				return nil, err
			}
			return []command{errorCommand{
				err:         fmt.Errorf("task %s failed: %s", node.EltID, job.failReason),
				elementId:   node.EltID,
				elementName: node.Name,
			}}, nil
		}
		if !job.completed {
			// handler left the job open, pointer keeps waiting
			return nil, nil
		}
		return ex.advanceCommands(pi, cmd.pathId, pointer, node, job.outcome)

	case model.FlowNodeKindUserTask:
		// waits for CompleteUserTask
		return nil, nil

	case model.FlowNodeKindIntermediateCatchEvent:
		if !ex.catchSatisfied(pi, node, pointer) {
			return nil, nil
		}
		return ex.advanceCommands(pi, cmd.pathId, pointer, node, pointer.IncomingTokens)

	case model.FlowNodeKindIntermediateThrowEvent:
		thrown := ex.throwTokens(pi, node, pointer)
		for _, token := range thrown {
			if err := pi.ConsumeMessage(token); err != nil {
				return nil, err
			}
		}
		nextCommands, err := ex.advanceCommands(pi, cmd.pathId, pointer, node, thrown)
		if err != nil {
			return nil, err
		}
		// consumption may have unblocked catch pointers anywhere
		for _, p := range pi.ExecutionPaths {
			for _, active := range p.ActivePointers() {
				nextCommands = append(nextCommands, pointerCommand{pathId: p.ID, pointerId: active.ID})
			}
		}
		return nextCommands, nil

	case model.FlowNodeKindExclusiveGateway:
		flow, err := ex.firstSatisfiedFlow(pi, node, pointer)
		if err != nil {
			return []command{errorCommand{err: err, elementId: node.EltID, elementName: node.Name}}, nil
		}
		if flow == nil {
			return []command{errorCommand{
				err:         fmt.Errorf("exclusive gateway %s: no outgoing flow satisfied", node.EltID),
				elementId:   node.EltID,
				elementName: node.Name,
			}}, nil
		}
		return ex.completeCommands(pi, cmd.pathId, pointer, []string{flow.TargetRef}, pointer.IncomingTokens)

	case model.FlowNodeKindParallelGateway:
		if pointer.MergeCount < len(pi.IncomingFlows(node.EltID)) {
			// join still waiting for the remaining inbound flows
			return nil, nil
		}
		nextIds := make([]string, 0)
		for _, flow := range pi.OutgoingFlows(node.EltID) {
			nextIds = append(nextIds, flow.TargetRef)
		}
		return ex.completeCommands(pi, cmd.pathId, pointer, nextIds, pointer.IncomingTokens)

	default:
		panic(fmt.Sprintf("[invariant check] unsupported element: id=%s, kind=%s", node.EltID, node.Kind))
	}
}

// advance completes the pointer along every satisfied outgoing flow.
func (ex *Executor) advance(pi *ProcessInstance, pathId string, pointer *ExecutionPointer, node model.FlowNode, outcome []MessageToken) error {
	_, err := ex.advanceCommands(pi, pathId, pointer, node, outcome)
	return err
}

func (ex *Executor) advanceCommands(pi *ProcessInstance, pathId string, pointer *ExecutionPointer, node model.FlowNode, outcome []MessageToken) ([]command, error) {
	nextIds := make([]string, 0)
	for _, flow := range pi.OutgoingFlows(node.EltID) {
		ok, err := pi.IsIncomingSatisfied(ex.evaluator, flow, outcome)
		if err != nil {
			return []command{errorCommand{err: err, elementId: node.EltID, elementName: node.Name}}, nil
		}
		if ok {
			nextIds = append(nextIds, flow.TargetRef)
		}
	}
	return ex.completeCommands(pi, pathId, pointer, nextIds, outcome)
}

func (ex *Executor) completeCommands(pi *ProcessInstance, pathId string, pointer *ExecutionPointer, nextIds []string, outcome []MessageToken) ([]command, error) {
	nextPointers, err := pi.CompleteExecutionPointer(pathId, pointer.ID, nextIds, outcome)
	if err != nil {
		return nil, err
	}
	cmds := make([]command, 0, len(nextPointers))
	for _, id := range nextPointers {
		cmds = append(cmds, pointerCommand{pathId: pathId, pointerId: id})
	}
	return cmds, nil
}

// catchSatisfied reports whether the pointer holds a token matching one of
// the node's message event definitions. Timer-only catch events wait for the
// timer manager to complete them.
func (ex *Executor) catchSatisfied(pi *ProcessInstance, node model.FlowNode, pointer *ExecutionPointer) bool {
	for _, token := range pointer.IncomingTokens {
		if pi.messageMatches(node, token) {
			return true
		}
	}
	return false
}

// throwTokens materializes the message tokens a throw event emits.
func (ex *Executor) throwTokens(pi *ProcessInstance, node model.FlowNode, pointer *ExecutionPointer) []MessageToken {
	tokens := make([]MessageToken, 0, len(node.EventDefinitions))
	for _, ed := range node.EventDefinitions {
		if ed.MessageRef == "" {
			continue
		}
		name := ed.MessageRef
		if msg, ok := pi.messageByID(ed.MessageRef); ok {
			name = msg.Name
		}
		content := ""
		if len(pointer.IncomingTokens) > 0 {
			content = pointer.IncomingTokens[len(pointer.IncomingTokens)-1].Content
		}
		tokens = append(tokens, MessageToken{Name: name, Content: content})
	}
	return tokens
}

func (ex *Executor) firstSatisfiedFlow(pi *ProcessInstance, node model.FlowNode, pointer *ExecutionPointer) (*model.SequenceFlow, error) {
	var fallback *model.SequenceFlow
	for _, flow := range pi.OutgoingFlows(node.EltID) {
		flow := flow
		if flow.ConditionExpression == "" {
			if fallback == nil {
				fallback = &flow
			}
			continue
		}
		ok, err := pi.IsIncomingSatisfied(ex.evaluator, flow, pointer.IncomingTokens)
		if err != nil {
			return nil, err
		}
		if ok {
			return &flow, nil
		}
	}
	return fallback, nil
}
