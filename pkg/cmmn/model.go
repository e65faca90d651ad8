package cmmn

// PlanItemType selects the processor that executes a plan item.
type PlanItemType string

const (
	PlanItemTypeTask               PlanItemType = "TASK"
	PlanItemTypeHumanTask          PlanItemType = "HUMAN_TASK"
	PlanItemTypeMilestone          PlanItemType = "MILESTONE"
	PlanItemTypeStage              PlanItemType = "STAGE"
	PlanItemTypeTimerEventListener PlanItemType = "TIMER_EVENT_LISTENER"
	PlanItemTypeCaseFileItem       PlanItemType = "CASE_FILE_ITEM"
)

// ActivationRule governs how a plan item (re)activates.
type ActivationRule string

const (
	ActivationRuleNone       ActivationRule = ""
	ActivationRuleManual     ActivationRule = "MANUAL"
	ActivationRuleRepetition ActivationRule = "REPETITION"
)

// OnPart ties a criterion to a transition raised by another plan item.
type OnPart struct {
	SourceRef     string     `json:"sourceRef"`
	StandardEvent Transition `json:"standardEvent"`
}

// Criterion gates a plan item's start (entry) or termination (exit).
type Criterion struct {
	Name    string   `json:"name,omitempty"`
	OnParts []OnPart `json:"onParts,omitempty"`

	// IfPart is an optional boolean expression evaluated against the case
	// variables when an on-part matches; empty means always satisfied.
	IfPart string `json:"ifPart,omitempty"`
}

// PlanItem is one element of the case plan definition.
type PlanItem struct {
	EltID          string         `json:"eltId"`
	Name           string         `json:"name,omitempty"`
	Type           PlanItemType   `json:"type"`
	ActivationRule ActivationRule `json:"activationRule,omitempty"`

	// RepetitionExpression is evaluated against the current instance count
	// when the activation rule is Repetition; empty means always satisfied.
	RepetitionExpression string `json:"repetitionExpression,omitempty"`

	// TimerExpression holds an ISO-8601 duration for timer event listeners.
	TimerExpression string `json:"timerExpression,omitempty"`

	EntryCriteria []Criterion `json:"entryCriteria,omitempty"`
	ExitCriteria  []Criterion `json:"exitCriteria,omitempty"`

	// Children of a stage.
	Children []PlanItem `json:"children,omitempty"`
}

// CasePlanModel is a parsed case plan definition.
type CasePlanModel struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	PlanItems    []PlanItem  `json:"planItems"`
	ExitCriteria []Criterion `json:"exitCriteria,omitempty"`
}

// FindPlanItem looks an item up by element id, descending into stages.
func (m *CasePlanModel) FindPlanItem(eltId string) (PlanItem, bool) {
	return findPlanItem(m.PlanItems, eltId)
}

func findPlanItem(items []PlanItem, eltId string) (PlanItem, bool) {
	for _, item := range items {
		if item.EltID == eltId {
			return item, true
		}
		if found, ok := findPlanItem(item.Children, eltId); ok {
			return found, true
		}
	}
	return PlanItem{}, false
}

// CasePlanBuilder assembles a CasePlanModel.
type CasePlanBuilder struct {
	model CasePlanModel
}

func NewCasePlanBuilder(id string, name string) *CasePlanBuilder {
	return &CasePlanBuilder{model: CasePlanModel{ID: id, Name: name}}
}

func (b *CasePlanBuilder) AddPlanItem(item PlanItem) *CasePlanBuilder {
	b.model.PlanItems = append(b.model.PlanItems, item)
	return b
}

func (b *CasePlanBuilder) AddExitCriterion(c Criterion) *CasePlanBuilder {
	b.model.ExitCriteria = append(b.model.ExitCriteria, c)
	return b
}

func (b *CasePlanBuilder) Build() *CasePlanModel {
	m := b.model
	return &m
}

// NewTask is a convenience constructor for a task plan item.
func NewTask(eltId string, name string) PlanItem {
	return PlanItem{EltID: eltId, Name: name, Type: PlanItemTypeTask}
}

func NewHumanTask(eltId string, name string) PlanItem {
	return PlanItem{EltID: eltId, Name: name, Type: PlanItemTypeHumanTask}
}

func NewMilestone(eltId string, name string) PlanItem {
	return PlanItem{EltID: eltId, Name: name, Type: PlanItemTypeMilestone}
}

func NewStage(eltId string, name string, children ...PlanItem) PlanItem {
	return PlanItem{EltID: eltId, Name: name, Type: PlanItemTypeStage, Children: children}
}

func NewTimerEventListener(eltId string, name string, isoDuration string) PlanItem {
	return PlanItem{EltID: eltId, Name: name, Type: PlanItemTypeTimerEventListener, TimerExpression: isoDuration}
}

func NewCaseFileItem(eltId string, name string) PlanItem {
	return PlanItem{EltID: eltId, Name: name, Type: PlanItemTypeCaseFileItem}
}
