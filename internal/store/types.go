package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Event is an immutable entry in an instance's audit log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	TaskIndex  int             `json:"task_index"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// StepCommit is everything one engine step writes. The instance update,
// executions and events commit atomically or not at all.
// Instance.Version must hold the version that was read; the store bumps it
// on success and rejects the commit with CONFLICT if another writer got there first.
type StepCommit struct {
	Instance   *schema.Instance
	Executions []*schema.Execution
	Events     []*Event
	// Now stamps updated_at. It carries the caller's clock so stale and SLA
	// cutoffs compare against the same time source; zero means wall clock.
	Now time.Time
}

// --- Filter types ---

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	Name        string
	TriggerType string
	Industry    schema.Industry
	// TenantID limits results to catalog templates plus the tenant's own.
	TenantID   string
	ActiveOnly bool
	// LatestOnly keeps only the highest version of each template name,
	// counted separately for shared templates and each tenant.
	LatestOnly bool
	Limit      int
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	TenantID      string
	TemplateID    string
	SubjectRef    string
	Statuses      []schema.InstanceStatus
	WakeBefore    *time.Time // wake_at <= WakeBefore
	UpdatedBefore *time.Time // updated_at < UpdatedBefore
	// Unscheduled restricts to instances with no pending wake-up.
	Unscheduled bool
	Limit       int
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	InstanceID string
	TenantID   string
	Status     schema.ExecutionStatus
	Since      *time.Time // finished_at >= Since
	// ExcludeHITL drops approval decisions.
	ExcludeHITL bool
	// Limit keeps the newest Limit rows. Results are still oldest first.
	Limit int
}

// ActiveKey is the uniqueness key backing the one-active-instance-per-subject
// rule. Empty when the instance is terminal or its template allows concurrency.
func ActiveKey(inst *schema.Instance) string {
	if inst.AllowConcurrent || inst.Status.IsTerminal() {
		return ""
	}
	return inst.TemplateID + ":" + inst.SubjectRef
}

// NonTerminalStatuses lists the statuses an active instance may hold.
var NonTerminalStatuses = []schema.InstanceStatus{
	schema.InstancePending, schema.InstanceRunning, schema.InstanceWaitingHITL,
}
