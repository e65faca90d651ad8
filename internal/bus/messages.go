package bus

const (
	QueueCaseLaunch     = "case-launch"
	QueueCaseReactivate = "case-reactivate"
	QueueProcessLaunch  = "process-launch"
)

type LaunchCaseMessage struct {
	CaseInstanceID string `json:"caseInstanceId"`
}

type ReactivateCaseMessage struct {
	CaseInstanceID string `json:"caseInstanceId"`
}

type LaunchProcessMessage struct {
	ProcessInstanceID string `json:"processInstanceId"`
	NameIdentifier    string `json:"nameIdentifier,omitempty"`
}
