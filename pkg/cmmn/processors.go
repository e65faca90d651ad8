package cmmn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/senseyeio/duration"
)

// ValidationError carries domain-rule violations raised by processors.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Messages, "; "))
}

func newValidationError(messages ...string) *ValidationError {
	return &ValidationError{Messages: messages}
}

// Parameter bundles what a processor needs: the case plan, the running
// instance and the specific element the processor was invoked for.
type Parameter struct {
	Plan     *CasePlanModel
	Instance *CasePlanInstance
	Element  WorkflowElementInstance
	Def      PlanItem
}

// Result tells the engine what to do once the processor returns.
// A zero Transition leaves the element Active, waiting on something
// external. Children are created by the engine under the same case.
type Result struct {
	Transition Transition
	Children   []PlanItem
}

// Processor executes one plan item type. Implementations must honor ctx
// cancellation on any blocking work.
type Processor interface {
	Handle(ctx context.Context, p Parameter) (Result, error)
}

// defaultProcessors wires one processor per plan item type.
func defaultProcessors() map[PlanItemType]Processor {
	return map[PlanItemType]Processor{
		PlanItemTypeTask:               &TaskProcessor{},
		PlanItemTypeHumanTask:          &HumanTaskProcessor{},
		PlanItemTypeMilestone:          &MilestoneProcessor{},
		PlanItemTypeStage:              &StageProcessor{},
		PlanItemTypeTimerEventListener: &TimerEventListenerProcessor{},
		PlanItemTypeCaseFileItem:       &CaseFileItemProcessor{},
	}
}

// TaskProcessor completes automated tasks in place.
type TaskProcessor struct{}

func (p *TaskProcessor) Handle(ctx context.Context, param Parameter) (Result, error) {
	if param.Element.State != StateActive {
		return Result{}, newValidationError(
			fmt.Sprintf("task %s must be active to complete, is %s", param.Def.EltID, param.Element.State))
	}
	return Result{Transition: TransitionComplete}, nil
}

// HumanTaskProcessor leaves the element active; a person finishes it
// through the API, which drives the Complete transition directly.
type HumanTaskProcessor struct{}

func (p *HumanTaskProcessor) Handle(ctx context.Context, param Parameter) (Result, error) {
	return Result{}, nil
}

// MilestoneProcessor marks the milestone as occurred.
type MilestoneProcessor struct{}

func (p *MilestoneProcessor) Handle(ctx context.Context, param Parameter) (Result, error) {
	return Result{Transition: TransitionComplete}, nil
}

// StageProcessor opens the stage by handing its children back to the engine.
type StageProcessor struct{}

func (p *StageProcessor) Handle(ctx context.Context, param Parameter) (Result, error) {
	return Result{Children: param.Def.Children}, nil
}

// TimerEventListenerProcessor waits out the ISO-8601 duration of its
// definition, then completes.
type TimerEventListenerProcessor struct{}

func (p *TimerEventListenerProcessor) Handle(ctx context.Context, param Parameter) (Result, error) {
	d, err := duration.ParseISO8601(param.Def.TimerExpression)
	if err != nil {
		return Result{}, fmt.Errorf("timer %s: invalid duration %q: %w", param.Def.EltID, param.Def.TimerExpression, err)
	}
	now := time.Now()
	timer := time.NewTimer(d.Shift(now).Sub(now))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
		return Result{Transition: TransitionComplete}, nil
	}
}

// CaseFileItemProcessor tracks a case file artifact; nothing to execute.
type CaseFileItemProcessor struct{}

func (p *CaseFileItemProcessor) Handle(ctx context.Context, param Parameter) (Result, error) {
	return Result{Transition: TransitionComplete}, nil
}
