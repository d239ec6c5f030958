package schema

// Event type constants for the instance audit log.
const (
	EventInstanceCreated   = "instance_created"
	EventInstanceStarted   = "instance_started"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"
	EventInstanceSuspended = "instance_suspended"
	EventInstanceResumed   = "instance_resumed"

	EventTaskSkipped   = "task_skipped"
	EventTaskSucceeded = "task_succeeded"
	EventTaskFailed    = "task_failed"
	EventTaskDelayed   = "task_delayed"
	EventTaskRetrying  = "task_retrying"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"
)

// InstanceStatus represents the lifecycle state of an instance.
type InstanceStatus string

const (
	InstancePending     InstanceStatus = "PENDING"
	InstanceRunning     InstanceStatus = "RUNNING"
	InstanceWaitingHITL InstanceStatus = "WAITING_HITL"
	InstanceCompleted   InstanceStatus = "COMPLETED"
	InstanceFailed      InstanceStatus = "FAILED"
	InstanceCancelled   InstanceStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// ExecutionStatus is the outcome of one task attempt.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionSkipped   ExecutionStatus = "SKIPPED"
)
