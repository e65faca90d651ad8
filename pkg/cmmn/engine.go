package cmmn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/caseworks/caseflow/pkg/eventstore"
	"github.com/caseworks/caseflow/pkg/expr"
)

// ErrCaseNotRunning is returned by commands targeting a case no supervision
// loop of this engine currently owns.
var ErrCaseNotRunning = errors.New("case is not supervised by this engine")

// RuleEvaluator decides repetition rule expressions.
type RuleEvaluator interface {
	EvaluateBool(expression string, tokens []expr.Token) (bool, error)
}

// Engine supervises case plan instances: it creates plan-item instances,
// hands them to their processors and reacts to the transitions they raise.
// Progress notifications arrive over the instance's notify channel instead
// of subscribed listeners, so nothing needs unsubscribing on exit.
type Engine struct {
	name         string
	logger       hclog.Logger
	evaluator    RuleEvaluator
	processors   map[PlanItemType]Processor
	pollInterval time.Duration
	notifyBuffer int

	mu      sync.Mutex
	running map[string]chan caseCommand
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the CMMN engine;
func NewEngine(evaluator RuleEvaluator, options ...EngineOption) *Engine {
	engine := &Engine{
		name:         fmt.Sprintf("Cmmn-Engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64()),
		logger:       hclog.Default().Named("cmmn-engine"),
		evaluator:    evaluator,
		processors:   defaultProcessors(),
		pollInterval: 100 * time.Millisecond,
		notifyBuffer: 256,
		running:      make(map[string]chan caseCommand),
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) { engine.name = name }
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) { engine.logger = logger }
}

// EngineWithProcessor overrides the processor for one plan item type.
func EngineWithProcessor(t PlanItemType, p Processor) EngineOption {
	return func(engine *Engine) { engine.processors[t] = p }
}

func EngineWithPollInterval(interval time.Duration) EngineOption {
	return func(engine *Engine) { engine.pollInterval = interval }
}

// EngineWithNotifyBuffer sets the capacity of the per-case notify channel.
// Cascades larger than the buffer spill into the aggregate's overflow and
// are drained by the supervision loop.
func EngineWithNotifyBuffer(size int) EngineOption {
	return func(engine *Engine) {
		if size > 0 {
			engine.notifyBuffer = size
		}
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

// processorResult carries one finished processor invocation back into the
// supervision loop, which stays the single writer of the aggregate.
type processorResult struct {
	elementId string
	def       PlanItem
	result    Result
	err       error
}

type commandKind int

const (
	commandCompleteHumanTask commandKind = iota
	commandStartElement
)

// caseCommand carries one external instruction into a running supervision
// loop, which stays the single writer of the aggregate. The reply channel
// is buffered so the loop never blocks on a caller that gave up.
type caseCommand struct {
	kind       commandKind
	elementRef string
	reply      chan error
}

// Start activates the case, instantiates every top-level plan item without
// entry criteria and supervises execution until the case finishes or ctx is
// cancelled.
func (engine *Engine) Start(ctx context.Context, instance *CasePlanInstance, plan *CasePlanModel) error {
	if err := instance.TransitionCase(TransitionStart); err != nil {
		return err
	}

	events := make(chan eventstore.Event, engine.notifyBuffer)
	instance.SetNotify(events)
	defer instance.SetNotify(nil)

	for _, def := range plan.PlanItems {
		if len(def.EntryCriteria) > 0 {
			// stays uninstantiated until its criterion fires
			continue
		}
		if _, err := instance.CreateElement(def); err != nil {
			return err
		}
	}

	return engine.supervise(ctx, instance, plan, events)
}

// Reactivate returns a failed, suspended or terminated case to Active,
// resumes its suspended elements, re-runs processors for elements that were
// still active and supervises execution again.
func (engine *Engine) Reactivate(ctx context.Context, instance *CasePlanInstance, plan *CasePlanModel) error {
	if err := instance.TransitionCase(TransitionReactivate); err != nil {
		return err
	}
	for _, el := range instance.ElementsInState(StateSuspended) {
		if err := instance.TransitionElement(el.ID, TransitionParentResume); err != nil {
			return err
		}
	}

	events := make(chan eventstore.Event, engine.notifyBuffer)
	instance.SetNotify(events)
	defer instance.SetNotify(nil)

	results := make(chan processorResult, 64)
	inflight := 0
	for _, el := range instance.ElementsInState(StateActive) {
		def, ok := plan.FindPlanItem(el.DefinitionID)
		if !ok {
			return fmt.Errorf("reactivate: no plan item definition %s", el.DefinitionID)
		}
		engine.invokeProcessor(ctx, instance, plan, *el, def, results)
		inflight++
	}
	return engine.superviseWith(ctx, instance, plan, events, results, inflight)
}

// Suspend suspends the case and drives every Active element through
// ParentSuspend.
func (engine *Engine) Suspend(instance *CasePlanInstance) error {
	if err := instance.TransitionCase(TransitionSuspend); err != nil {
		return err
	}
	for _, el := range instance.ElementsInState(StateActive) {
		if err := instance.TransitionElement(el.ID, TransitionParentSuspend); err != nil {
			return err
		}
	}
	return nil
}

// Resume returns a suspended case and its suspended elements to Active.
func (engine *Engine) Resume(instance *CasePlanInstance) error {
	if err := instance.TransitionCase(TransitionResume); err != nil {
		return err
	}
	for _, el := range instance.ElementsInState(StateSuspended) {
		if err := instance.TransitionElement(el.ID, TransitionParentResume); err != nil {
			return err
		}
	}
	return nil
}

// Terminate terminates the case and drives every Active element through
// ParentTerminate. The supervision loop observes the terminal case state
// and stops.
func (engine *Engine) Terminate(instance *CasePlanInstance) error {
	if err := instance.TransitionCase(TransitionTerminate); err != nil {
		return err
	}
	for _, el := range instance.ElementsInState(StateActive) {
		if err := instance.TransitionElement(el.ID, TransitionParentTerminate); err != nil {
			return err
		}
	}
	return nil
}

// CompleteHumanTask finishes a human task that its processor left active.
// The instruction is handed to the case's running supervision loop;
// elementRef addresses either one element instance or a plan item
// definition with a single active instance.
func (engine *Engine) CompleteHumanTask(ctx context.Context, instanceId string, elementRef string) error {
	return engine.send(ctx, instanceId, caseCommand{kind: commandCompleteHumanTask, elementRef: elementRef})
}

// StartElement manually starts an enabled plan item of a running case.
func (engine *Engine) StartElement(ctx context.Context, instanceId string, elementRef string) error {
	return engine.send(ctx, instanceId, caseCommand{kind: commandStartElement, elementRef: elementRef})
}

func (engine *Engine) send(ctx context.Context, instanceId string, cmd caseCommand) error {
	engine.mu.Lock()
	commands, ok := engine.running[instanceId]
	engine.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCaseNotRunning, instanceId)
	}
	cmd.reply = make(chan error, 1)
	select {
	case commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (engine *Engine) register(instanceId string, commands chan caseCommand) {
	engine.mu.Lock()
	engine.running[instanceId] = commands
	engine.mu.Unlock()
}

func (engine *Engine) unregister(instanceId string) {
	engine.mu.Lock()
	delete(engine.running, instanceId)
	engine.mu.Unlock()
}

func (engine *Engine) supervise(ctx context.Context, instance *CasePlanInstance, plan *CasePlanModel, events chan eventstore.Event) error {
	return engine.superviseWith(ctx, instance, plan, events, make(chan processorResult, 64), 0)
}

// superviseWith is the supervision loop: it drains raised events, applies
// processor outcomes and external commands and periodically re-checks
// whether the case finished.
func (engine *Engine) superviseWith(ctx context.Context, instance *CasePlanInstance, plan *CasePlanModel, events chan eventstore.Event, results chan processorResult, inflight int) error {
	commands := make(chan caseCommand, 16)
	engine.register(instance.AggregateID(), commands)
	defer engine.unregister(instance.AggregateID())

	ticker := time.NewTicker(engine.pollInterval)
	defer ticker.Stop()

	for {
		// events overflow the notify buffer only while the loop itself is
		// raising, so draining here keeps the raise order: everything in
		// the channel predates everything overflowed.
		if len(events) == 0 {
			for _, evt := range instance.TakeOverflow() {
				if err := engine.handleEvent(ctx, instance, plan, evt, results, &inflight); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			// cancellation funnels into Terminate instead of crashing
			if err := engine.Terminate(instance); err != nil {
				engine.logger.Error("failed to terminate case on cancellation",
					"case", instance.AggregateID(), "error", err)
			}
			return ctx.Err()

		case evt := <-events:
			if err := engine.handleEvent(ctx, instance, plan, evt, results, &inflight); err != nil {
				return err
			}

		case res := <-results:
			inflight--
			if err := engine.handleResult(ctx, instance, plan, res); err != nil {
				return err
			}

		case cmd := <-commands:
			cmd.reply <- engine.handleCommand(ctx, instance, plan, cmd, results, &inflight)

		case <-ticker.C:
			if len(events) > 0 || len(results) > 0 || len(commands) > 0 {
				// pending work first, completion is re-checked next tick
				continue
			}
			if instance.State.IsFinished() || instance.State == StateFailed {
				return nil
			}
			if done, err := engine.checkCompletion(instance, plan, inflight); done || err != nil {
				return err
			}
		}
	}
}

// handleCommand applies one external instruction inside the loop.
func (engine *Engine) handleCommand(ctx context.Context, instance *CasePlanInstance, plan *CasePlanModel, cmd caseCommand, results chan processorResult, inflight *int) error {
	switch cmd.kind {
	case commandCompleteHumanTask:
		element := resolveElement(instance, cmd.elementRef, StateActive)
		if element == nil {
			return fmt.Errorf("complete human task: %w: %s", ErrUnknownElementInstance, cmd.elementRef)
		}
		if element.Type != PlanItemTypeHumanTask {
			return fmt.Errorf("complete human task: element %s is a %s", element.ID, element.Type)
		}
		return instance.TransitionElement(element.ID, TransitionComplete)

	case commandStartElement:
		element := resolveElement(instance, cmd.elementRef, StateEnabled)
		if element == nil {
			return fmt.Errorf("start element: %w: %s", ErrUnknownElementInstance, cmd.elementRef)
		}
		def, ok := plan.FindPlanItem(element.DefinitionID)
		if !ok {
			return fmt.Errorf("start element: no plan item definition %s", element.DefinitionID)
		}
		if err := instance.TransitionElement(element.ID, TransitionManualStart); err != nil {
			return err
		}
		engine.invokeProcessor(ctx, instance, plan, *instance.Element(element.ID), def, results)
		*inflight++
		return nil

	default:
		return fmt.Errorf("unhandled case command %d", cmd.kind)
	}
}

// resolveElement accepts either an element instance id or a plan item
// definition id; the latter resolves to the instance currently in the
// wanted state, so callers can address tasks by their definition.
func resolveElement(instance *CasePlanInstance, ref string, wanted TaskState) *WorkflowElementInstance {
	if el := instance.Element(ref); el != nil {
		return el
	}
	for _, el := range instance.ElementsByDefinition(ref) {
		if el.State == wanted {
			return el
		}
	}
	return nil
}

// handleEvent is the create/repetition listener pair of the supervision
// loop, dispatching on the closed event set.
func (engine *Engine) handleEvent(ctx context.Context, instance *CasePlanInstance, plan *CasePlanModel, evt eventstore.Event, results chan processorResult, inflight *int) error {
	switch e := evt.(type) {
	case *CaseElementCreatedEvent:
		def, ok := plan.FindPlanItem(e.DefinitionID)
		if !ok {
			return fmt.Errorf("created element %s has no plan item definition %s", e.ElementInstanceID, e.DefinitionID)
		}
		if def.ActivationRule == ActivationRuleManual {
			// rests in Enabled until StartElement drives ManualStart
			return instance.TransitionElement(e.ElementInstanceID, TransitionEnable)
		}
		if err := instance.TransitionElement(e.ElementInstanceID, TransitionStart); err != nil {
			return err
		}
		element := instance.Element(e.ElementInstanceID)
		engine.invokeProcessor(ctx, instance, plan, *element, def, results)
		*inflight++

	case *CaseElementTransitionedEvent:
		element := instance.Element(e.ElementInstanceID)
		if element == nil {
			return fmt.Errorf("transitioned element %s not found", e.ElementInstanceID)
		}
		if err := engine.fireEntryCriteria(instance, plan, element.DefinitionID, e.Transition); err != nil {
			return err
		}
		exit, err := engine.criteriaSatisfied(instance, plan.ExitCriteria, element.DefinitionID, e.Transition)
		if err != nil {
			return err
		}
		if exit {
			engine.logger.Info("exit criteria satisfied, terminating case", "case", instance.AggregateID())
			return engine.Terminate(instance)
		}
		if e.State.IsFinished() {
			return engine.completeFinishedStages(instance, plan)
		}
	}
	return nil
}

// completeFinishedStages completes every active stage whose instantiated
// children all reached a terminal state.
func (engine *Engine) completeFinishedStages(instance *CasePlanInstance, plan *CasePlanModel) error {
	for _, el := range instance.ElementsInState(StateActive) {
		if el.Type != PlanItemTypeStage {
			continue
		}
		def, ok := plan.FindPlanItem(el.DefinitionID)
		if !ok {
			continue
		}
		instantiated := 0
		finished := true
		for _, child := range def.Children {
			for _, childEl := range instance.ElementsByDefinition(child.EltID) {
				instantiated++
				if !childEl.State.IsFinished() {
					finished = false
				}
			}
		}
		if instantiated > 0 && finished {
			if err := instance.TransitionElement(el.ID, TransitionComplete); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleResult applies one processor outcome.
func (engine *Engine) handleResult(ctx context.Context, instance *CasePlanInstance, plan *CasePlanModel, res processorResult) error {
	if res.err != nil {
		if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
			return nil
		}
		var validationErr *ValidationError
		if errors.As(res.err, &validationErr) {
			engine.logger.Warn("processor validation failure",
				"case", instance.AggregateID(), "element", res.elementId, "messages", validationErr.Messages)
		} else {
			engine.logger.Error("processor failure",
				"case", instance.AggregateID(), "element", res.elementId, "error", res.err)
		}
		element := instance.Element(res.elementId)
		if element != nil && element.State == StateActive {
			return instance.TransitionElement(res.elementId, TransitionFault)
		}
		return nil
	}

	for _, child := range res.result.Children {
		if _, err := instance.CreateElement(child); err != nil {
			return err
		}
	}

	if res.result.Transition == "" {
		return nil
	}
	element := instance.Element(res.elementId)
	if element == nil || element.State != StateActive {
		// suspended or terminated while the processor ran, outcome is stale
		return nil
	}
	if err := instance.TransitionElement(res.elementId, res.result.Transition); err != nil {
		return err
	}

	// a completed repeating item re-creates itself while its rule holds
	if res.result.Transition == TransitionComplete && res.def.ActivationRule == ActivationRuleRepetition {
		satisfied, err := engine.repetitionSatisfied(instance, res.def)
		if err != nil {
			return err
		}
		if satisfied {
			if _, err := instance.CreateElement(res.def); err != nil {
				return err
			}
		}
	}
	return nil
}

func (engine *Engine) invokeProcessor(ctx context.Context, instance *CasePlanInstance, plan *CasePlanModel, element WorkflowElementInstance, def PlanItem, results chan processorResult) {
	processor, ok := engine.processors[def.Type]
	if !ok {
		results <- processorResult{
			elementId: element.ID,
			def:       def,
			err:       fmt.Errorf("no processor for plan item type %s", def.Type),
		}
		return
	}
	param := Parameter{Plan: plan, Instance: instance, Element: element, Def: def}
	go func() {
		res, err := processor.Handle(ctx, param)
		results <- processorResult{elementId: element.ID, def: def, result: res, err: err}
	}()
}

// fireEntryCriteria instantiates plan items whose entry criterion matches
// the transition just raised by sourceDefId.
func (engine *Engine) fireEntryCriteria(instance *CasePlanInstance, plan *CasePlanModel, sourceDefId string, tr Transition) error {
	for _, def := range allPlanItems(plan.PlanItems) {
		matched, err := engine.criteriaSatisfied(instance, def.EntryCriteria, sourceDefId, tr)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		if def.ActivationRule == ActivationRuleRepetition {
			satisfied, err := engine.repetitionSatisfied(instance, def)
			if err != nil {
				return err
			}
			if satisfied {
				if _, err := instance.CreateElement(def); err != nil {
					return err
				}
				continue
			}
			// rule no longer holds: finish any instance still waiting
			for _, el := range instance.ElementsByDefinition(def.EltID) {
				if el.State == StateAvailable {
					if err := instance.TransitionElement(el.ID, TransitionTerminate); err != nil {
						return err
					}
				}
			}
			continue
		}
		if len(instance.ElementsByDefinition(def.EltID)) > 0 {
			continue
		}
		if _, err := instance.CreateElement(def); err != nil {
			return err
		}
	}
	return nil
}

// criteriaSatisfied reports whether any criterion's on-part matches the
// raised transition and, when one does, whether its if-part holds against
// the case variables.
func (engine *Engine) criteriaSatisfied(instance *CasePlanInstance, criteria []Criterion, sourceDefId string, tr Transition) (bool, error) {
	for _, criterion := range criteria {
		for _, onPart := range criterion.OnParts {
			if onPart.SourceRef != sourceDefId || onPart.StandardEvent != tr {
				continue
			}
			if criterion.IfPart == "" {
				return true, nil
			}
			ok, err := engine.evaluator.EvaluateBool(criterion.IfPart, caseTokens(instance))
			if err != nil {
				return false, fmt.Errorf("criterion %s: %w", criterion.Name, err)
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (engine *Engine) repetitionSatisfied(instance *CasePlanInstance, def PlanItem) (bool, error) {
	if def.RepetitionExpression == "" {
		return true, nil
	}
	count := len(instance.ElementsByDefinition(def.EltID))
	tokens := append(caseTokens(instance), expr.Token{
		Name:    "repetition",
		Payload: map[string]any{"count": count},
	})
	return engine.evaluator.EvaluateBool(def.RepetitionExpression, tokens)
}

// caseTokens exposes the case state and variables to rule expressions.
func caseTokens(instance *CasePlanInstance) []expr.Token {
	return []expr.Token{{
		Name: "case",
		Payload: map[string]any{
			"state":     string(instance.State),
			"variables": instance.Variables,
		},
	}}
}

// checkCompletion finishes the case when every instantiated top-level item
// reached a terminal state, or faults it when any non-stage element failed.
func (engine *Engine) checkCompletion(instance *CasePlanInstance, plan *CasePlanModel, inflight int) (bool, error) {
	for _, el := range instance.Elements {
		if el.State == StateFailed && el.Type != PlanItemTypeStage {
			engine.logger.Warn("case faulted", "case", instance.AggregateID(), "element", el.ID)
			return true, instance.TransitionCase(TransitionFault)
		}
	}
	if inflight > 0 {
		return false, nil
	}
	instantiated := 0
	for _, def := range plan.PlanItems {
		for _, el := range instance.ElementsByDefinition(def.EltID) {
			instantiated++
			if !el.State.IsFinished() {
				return false, nil
			}
		}
	}
	if instantiated == 0 {
		return false, nil
	}
	return true, instance.TransitionCase(TransitionComplete)
}

func allPlanItems(items []PlanItem) []PlanItem {
	res := make([]PlanItem, 0, len(items))
	for _, item := range items {
		res = append(res, item)
		res = append(res, allPlanItems(item.Children)...)
	}
	return res
}
