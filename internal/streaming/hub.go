package streaming

import "context"

// Notification types published by the engine.
const (
	TypeApprovalRequested = "approval_requested"
	TypeInstanceCompleted = "instance_completed"
	TypeInstanceFailed    = "instance_failed"
	TypeInstanceCancelled = "instance_cancelled"
)

// StreamEvent is a real-time notification about an instance.
type StreamEvent struct {
	InstanceID string `json:"instance_id"`
	TenantID   string `json:"tenant_id"`
	SubjectRef string `json:"subject_ref,omitempty"`
	TaskIndex  int    `json:"task_index"`
	EventType  string `json:"event_type"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	TenantID   string   `json:"tenant_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for instance notifications.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	if f.TenantID != "" && f.TenantID != e.TenantID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
