package schema

import "time"

// Tenant is the owner boundary for templates and instances.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Industry  Industry  `json:"industry"`
	CreatedAt time.Time `json:"created_at"`
}

// Instance is one run of a template against a subject entity.
// Tasks is a frozen copy taken at creation so template edits never reach
// an in-flight instance.
type Instance struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"template_id"`
	TemplateName     string         `json:"template_name"`
	TemplateVersion  int            `json:"template_version"`
	Tasks            []TaskSpec     `json:"tasks"`
	AllowConcurrent  bool           `json:"allow_concurrent,omitempty"`
	TenantID         string         `json:"tenant_id"`
	SubjectRef       string         `json:"subject_ref"`
	Status           InstanceStatus `json:"status"`
	CurrentTaskIndex int            `json:"current_task_index"`
	Attempt          int            `json:"attempt"`
	Variables        Values         `json:"variables"`
	TaskEnteredAt    time.Time      `json:"task_entered_at"`
	WakeAt           *time.Time     `json:"wake_at,omitempty"`
	LastError        *AutoflowError `json:"last_error,omitempty"`
	Version          int            `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// CurrentTask returns the task at CurrentTaskIndex, or false when the
// instance has run past its last task.
func (i *Instance) CurrentTask() (TaskSpec, bool) {
	if i.CurrentTaskIndex < 0 || i.CurrentTaskIndex >= len(i.Tasks) {
		return TaskSpec{}, false
	}
	return i.Tasks[i.CurrentTaskIndex], true
}

// Execution is the immutable record of one attempt at one task.
type Execution struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	TenantID   string          `json:"tenant_id"`
	TaskIndex  int             `json:"task_index"`
	ActionType string          `json:"action_type"`
	Attempt    int             `json:"attempt"`
	Status     ExecutionStatus `json:"status"`
	ResultData Values          `json:"result_data,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	// HITL marks an approval decision rather than an action handler run.
	HITL bool `json:"hitl,omitempty"`
}

// Candidate task kinds.
const (
	CandidateTrigger    = "TRIGGER"
	CandidateToolAction = "TOOL_ACTION"
	CandidateEnd        = "END"
)

// CandidateTask is one node of a synthesized template.
type CandidateTask struct {
	Kind       string `json:"kind"`
	ActionType string `json:"action_type,omitempty"`
}

// CandidateTemplate is a template inferred from frequent action sequences.
// Promotion to a live Template is an explicit decision made elsewhere.
type CandidateTemplate struct {
	ID             string          `json:"id"`
	SourceTenantID string          `json:"source_tenant_id"`
	Pattern        []string        `json:"pattern"`
	Tasks          []CandidateTask `json:"tasks"`
	Frequency      int             `json:"frequency"`
	TotalSequences int             `json:"total_sequences"`
	Confidence     float64         `json:"confidence"`
	Window         time.Duration   `json:"window"`
	PromotedTo     string          `json:"promoted_to,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Stats summarizes a tenant's workflow activity.
type Stats struct {
	ActiveTemplates    int `json:"active_templates"`
	RunningInstances   int `json:"running_instances"`
	CompletedInstances int `json:"completed_instances"`
	FailedInstances    int `json:"failed_instances"`
	PendingApprovals   int `json:"pending_approvals"`
}
