package cmmn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/caseworks/caseflow/pkg/expr"
)

func testEngine(t *testing.T, options ...EngineOption) *Engine {
	t.Helper()
	options = append([]EngineOption{EngineWithPollInterval(5 * time.Millisecond)}, options...)
	return NewEngine(expr.NewEvaluator(t.Context()), options...)
}

// awaitCommand retries an engine command until the supervision loop
// accepts it.
func awaitCommand(t *testing.T, run func() error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := run()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("command never accepted: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartCompletesAutomatedCase(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given
	plan := NewCasePlanBuilder("intake", "intake case").
		AddPlanItem(NewTask("register", "register request")).
		AddPlanItem(NewMilestone("registered", "request registered")).
		Build()
	instance, err := NewCaseInstance("case-10", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then
	assert.Equal(t, StateCompleted, instance.State)
	for _, el := range instance.Elements {
		assert.Equal(t, StateCompleted, el.State)
	}
}

func TestEntryCriterionChainsPlanItems(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given: notify only fires after register completes
	plan := NewCasePlanBuilder("chained", "chained case").
		AddPlanItem(NewTask("register", "")).
		AddPlanItem(PlanItem{
			EltID: "notify", Type: PlanItemTypeTask,
			EntryCriteria: []Criterion{{OnParts: []OnPart{
				{SourceRef: "register", StandardEvent: TransitionComplete},
			}}},
		}).
		Build()
	instance, err := NewCaseInstance("case-11", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then: both ran, notify strictly after register
	assert.Equal(t, StateCompleted, instance.State)
	notifyInstances := instance.ElementsByDefinition("notify")
	assert.Len(t, notifyInstances, 1)
	assert.Equal(t, StateCompleted, notifyInstances[0].State)
}

func TestRepetitionSpawnsWhileRuleHolds(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given: remind repeats until two instances exist
	plan := NewCasePlanBuilder("reminders", "reminder case").
		AddPlanItem(NewTask("register", "")).
		AddPlanItem(PlanItem{
			EltID: "remind", Type: PlanItemTypeTask,
			ActivationRule:       ActivationRuleRepetition,
			RepetitionExpression: `context.token("repetition").payload.count < 2`,
			EntryCriteria: []Criterion{{OnParts: []OnPart{
				{SourceRef: "register", StandardEvent: TransitionComplete},
			}}},
		}).
		Build()
	instance, err := NewCaseInstance("case-12", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then: the rule admitted exactly two instances
	assert.Equal(t, StateCompleted, instance.State)
	reminders := instance.ElementsByDefinition("remind")
	assert.Len(t, reminders, 2)
	for _, el := range reminders {
		assert.Equal(t, StateCompleted, el.State)
	}
}

func TestRepetitionRuleReadsCaseVariables(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given: the reminder budget comes from a case variable
	plan := NewCasePlanBuilder("reminders", "reminder case").
		AddPlanItem(NewTask("register", "")).
		AddPlanItem(PlanItem{
			EltID: "remind", Type: PlanItemTypeTask,
			ActivationRule:       ActivationRuleRepetition,
			RepetitionExpression: `context.token("repetition").payload.count < context.token("case").payload.variables.limit`,
			EntryCriteria: []Criterion{{OnParts: []OnPart{
				{SourceRef: "register", StandardEvent: TransitionComplete},
			}}},
		}).
		Build()
	instance, err := NewCaseInstance("case-20", plan)
	assert.NoError(t, err)
	assert.NoError(t, instance.SetVariable("limit", 3))

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then: the variable, not a built-in constant, bounded the repetitions
	assert.Equal(t, StateCompleted, instance.State)
	assert.Len(t, instance.ElementsByDefinition("remind"), 3)
}

func TestEntryCriterionIfPartGatesInstantiation(t *testing.T) {
	// setup
	engine := testEngine(t)
	plan := NewCasePlanBuilder("gated", "gated case").
		AddPlanItem(NewTask("register", "")).
		AddPlanItem(PlanItem{
			EltID: "expedite", Type: PlanItemTypeTask,
			EntryCriteria: []Criterion{{
				OnParts: []OnPart{{SourceRef: "register", StandardEvent: TransitionComplete}},
				IfPart:  `context.token("case").payload.variables.express === true`,
			}},
		}).
		Build()

	// given: the variable never set
	instance, err := NewCaseInstance("case-21", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	assert.NoError(t, engine.Start(ctx, instance, plan))

	// then: the on-part matched but the if-part held the item back
	assert.Equal(t, StateCompleted, instance.State)
	assert.Empty(t, instance.ElementsByDefinition("expedite"))

	// given: the same plan with the variable set
	instance, err = NewCaseInstance("case-22", plan)
	assert.NoError(t, err)
	assert.NoError(t, instance.SetVariable("express", true))

	// when
	assert.NoError(t, engine.Start(ctx, instance, plan))

	// then
	assert.Equal(t, StateCompleted, instance.State)
	assert.Len(t, instance.ElementsByDefinition("expedite"), 1)
}

func TestManualActivationWaitsForStartCommand(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given: approval only runs when somebody starts it
	plan := NewCasePlanBuilder("manual", "manual case").
		AddPlanItem(PlanItem{
			EltID: "approve", Type: PlanItemTypeTask,
			ActivationRule: ActivationRuleManual,
		}).
		Build()
	instance, err := NewCaseInstance("case-23", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Start(ctx, instance, plan) }()
	awaitCommand(t, func() error { return engine.StartElement(ctx, "case-23", "approve") })
	assert.NoError(t, <-done)

	// then: the element rested in Enabled until the manual start
	assert.Equal(t, StateCompleted, instance.State)
	approvals := instance.ElementsByDefinition("approve")
	assert.Len(t, approvals, 1)
	assert.Equal(t, StateCompleted, approvals[0].State)
	assert.Equal(t,
		[]Transition{TransitionCreate, TransitionEnable, TransitionManualStart, TransitionComplete},
		transitionsOf(approvals[0]))
}

func TestCompleteHumanTaskFinishesRunningCase(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given: a human task keeps the supervision loop waiting
	plan := NewCasePlanBuilder("review", "review case").
		AddPlanItem(NewHumanTask("review", "")).
		Build()
	instance, err := NewCaseInstance("case-24", plan)
	assert.NoError(t, err)

	// when: the person finishes the task while the loop runs
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Start(ctx, instance, plan) }()
	awaitCommand(t, func() error { return engine.CompleteHumanTask(ctx, "case-24", "review") })
	assert.NoError(t, <-done)

	// then
	assert.Equal(t, StateCompleted, instance.State)
	assert.Equal(t, StateCompleted, instance.ElementsByDefinition("review")[0].State)
}

func TestCompleteHumanTaskUnknownCase(t *testing.T) {
	// setup
	engine := testEngine(t)

	// when: no supervision loop owns the case
	err := engine.CompleteHumanTask(t.Context(), "case-25", "review")

	// then
	assert.ErrorIs(t, err, ErrCaseNotRunning)
}

func TestSmallNotifyBufferCompletesCascade(t *testing.T) {
	// setup: a notify buffer far smaller than the cascade of raised events
	engine := testEngine(t, EngineWithNotifyBuffer(1))

	// given
	plan := NewCasePlanBuilder("cascading", "cascading case").
		AddPlanItem(NewStage("prepare", "prepare",
			NewTask("collect", ""),
			NewTask("validate", ""),
			NewTask("archive", ""),
		)).
		AddPlanItem(PlanItem{
			EltID: "notify", Type: PlanItemTypeTask,
			EntryCriteria: []Criterion{{OnParts: []OnPart{
				{SourceRef: "prepare", StandardEvent: TransitionComplete},
			}}},
		}).
		Build()
	instance, err := NewCaseInstance("case-26", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then: overflowed events were drained instead of deadlocking the loop
	assert.Equal(t, StateCompleted, instance.State)
	for _, el := range instance.Elements {
		assert.Equal(t, StateCompleted, el.State)
	}
}

func TestSuspendResumePropagation(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given: a case with two active children and one already completed
	plan := reviewPlan()
	instance, err := NewCaseInstance("case-13", plan)
	assert.NoError(t, err)
	assert.NoError(t, instance.TransitionCase(TransitionStart))
	first, err := instance.CreateElement(NewHumanTask("review", ""))
	assert.NoError(t, err)
	assert.NoError(t, instance.TransitionElement(first, TransitionStart))
	second, err := instance.CreateElement(NewHumanTask("approve", ""))
	assert.NoError(t, err)
	assert.NoError(t, instance.TransitionElement(second, TransitionStart))
	done, err := instance.CreateElement(NewTask("collect", ""))
	assert.NoError(t, err)
	assert.NoError(t, instance.TransitionElement(done, TransitionStart))
	assert.NoError(t, instance.TransitionElement(done, TransitionComplete))

	// when
	assert.NoError(t, engine.Suspend(instance))

	// then
	assert.Equal(t, StateSuspended, instance.State)
	assert.Equal(t, StateSuspended, instance.Element(first).State)
	assert.Equal(t, StateSuspended, instance.Element(second).State)
	assert.Equal(t, StateCompleted, instance.Element(done).State)

	// when resumed, exactly the suspended children return to active
	assert.NoError(t, engine.Resume(instance))
	assert.Equal(t, StateActive, instance.State)
	assert.Equal(t, StateActive, instance.Element(first).State)
	assert.Equal(t, StateActive, instance.Element(second).State)
	assert.Equal(t, StateCompleted, instance.Element(done).State)
}

func TestTerminatePropagatesToActiveChildren(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given
	plan := reviewPlan()
	instance, err := NewCaseInstance("case-14", plan)
	assert.NoError(t, err)
	assert.NoError(t, instance.TransitionCase(TransitionStart))
	id, err := instance.CreateElement(NewHumanTask("review", ""))
	assert.NoError(t, err)
	assert.NoError(t, instance.TransitionElement(id, TransitionStart))

	// when
	assert.NoError(t, engine.Terminate(instance))

	// then
	assert.Equal(t, StateTerminated, instance.State)
	assert.Equal(t, StateTerminated, instance.Element(id).State)
}

func TestExitCriterionTerminatesCase(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given: completing cancel terminates the whole case
	plan := NewCasePlanBuilder("cancellable", "cancellable case").
		AddPlanItem(NewTask("cancel", "cancel request")).
		AddPlanItem(NewHumanTask("review", "review request")).
		AddExitCriterion(Criterion{OnParts: []OnPart{
			{SourceRef: "cancel", StandardEvent: TransitionComplete},
		}}).
		Build()
	instance, err := NewCaseInstance("case-15", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then: the human task never finished on its own, terminate reached it
	assert.Equal(t, StateTerminated, instance.State)
	review := instance.ElementsByDefinition("review")
	assert.Len(t, review, 1)
	assert.Equal(t, StateTerminated, review[0].State)
}

type failingProcessor struct{}

func (p *failingProcessor) Handle(ctx context.Context, param Parameter) (Result, error) {
	return Result{}, newValidationError("document set incomplete")
}

func TestProcessorValidationFailureFaultsCase(t *testing.T) {
	// setup
	engine := testEngine(t, EngineWithProcessor(PlanItemTypeTask, &failingProcessor{}))

	// given
	plan := NewCasePlanBuilder("faulty", "faulty case").
		AddPlanItem(NewTask("collect", "")).
		Build()
	instance, err := NewCaseInstance("case-16", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then
	assert.Equal(t, StateFailed, instance.State)
	element := instance.ElementsByDefinition("collect")[0]
	assert.Equal(t, StateFailed, element.State)
}

func TestStageCompletesWithItsChildren(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given
	plan := NewCasePlanBuilder("staged", "staged case").
		AddPlanItem(NewStage("prepare", "prepare",
			NewTask("collect", ""),
			NewTask("validate", ""),
		)).
		Build()
	instance, err := NewCaseInstance("case-17", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then
	assert.Equal(t, StateCompleted, instance.State)
	stage := instance.ElementsByDefinition("prepare")[0]
	assert.Equal(t, StateCompleted, stage.State)
	assert.Equal(t, StateCompleted, instance.ElementsByDefinition("collect")[0].State)
	assert.Equal(t, StateCompleted, instance.ElementsByDefinition("validate")[0].State)
}

func TestTimerEventListenerCompletesAfterDuration(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given
	plan := NewCasePlanBuilder("timed", "timed case").
		AddPlanItem(NewTimerEventListener("deadline", "deadline", "PT0S")).
		Build()
	instance, err := NewCaseInstance("case-18", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err = engine.Start(ctx, instance, plan)
	assert.NoError(t, err)

	// then
	assert.Equal(t, StateCompleted, instance.State)
	assert.Equal(t, StateCompleted, instance.ElementsByDefinition("deadline")[0].State)
}

func TestCancellationTerminatesCase(t *testing.T) {
	// setup
	engine := testEngine(t)

	// given: a human task keeps the case active indefinitely
	plan := NewCasePlanBuilder("waiting", "waiting case").
		AddPlanItem(NewHumanTask("review", "")).
		Build()
	instance, err := NewCaseInstance("case-19", plan)
	assert.NoError(t, err)

	// when
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	err = engine.Start(ctx, instance, plan)

	// then: cancellation funnels into Terminate, not a crash
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateTerminated, instance.State)
	assert.Equal(t, StateTerminated, instance.ElementsByDefinition("review")[0].State)
}
