package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// TransitionHook runs after the step that made the transition has committed.
type TransitionHook func(ctx context.Context, inst *schema.Instance, from schema.InstanceStatus)

// ValidInstanceTransitions defines the allowed instance status transitions.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstancePending:     {schema.InstanceRunning, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstanceRunning:     {schema.InstanceWaitingHITL, schema.InstanceCompleted, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstanceWaitingHITL: {schema.InstanceRunning, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstanceCompleted:   {},
	schema.InstanceFailed:      {},
	schema.InstanceCancelled:   {},
}

// InstanceFSM validates instance status transitions and records an audit
// event for each one.
type InstanceFSM struct {
	mu    sync.RWMutex
	enter map[schema.InstanceStatus][]TransitionHook
	all   []TransitionHook
}

// NewInstanceFSM creates an InstanceFSM with no hooks.
func NewInstanceFSM() *InstanceFSM {
	return &InstanceFSM{enter: make(map[schema.InstanceStatus][]TransitionHook)}
}

// OnEnter registers a hook for transitions into to.
func (f *InstanceFSM) OnEnter(to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enter[to] = append(f.enter[to], hook)
}

// OnTransition registers a hook for every transition.
func (f *InstanceFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, hook)
}

// Transition moves the step's instance to status to. The event is added to
// the step and hooks are queued on it; nothing is persisted here.
func (f *InstanceFSM) Transition(s *step, to schema.InstanceStatus, payload map[string]any) error {
	inst := s.inst
	from := inst.Status
	if !slices.Contains(ValidInstanceTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": inst.ID, "from": string(from), "to": string(to)})
	}

	inst.Status = to
	if to.IsTerminal() {
		completed := s.now
		inst.CompletedAt = &completed
		inst.WakeAt = nil
	}
	s.addEvent(instanceEventType(from, to), inst.CurrentTaskIndex, payload)

	f.mu.RLock()
	hooks := slices.Concat(f.all, f.enter[to])
	f.mu.RUnlock()
	for _, hook := range hooks {
		s.afterCommit(func(ctx context.Context) { hook(ctx, inst, from) })
	}
	return nil
}

func instanceEventType(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceRunning:
		if from == schema.InstanceWaitingHITL {
			return schema.EventInstanceResumed
		}
		return schema.EventInstanceStarted
	case schema.InstanceWaitingHITL:
		return schema.EventApprovalRequested
	case schema.InstanceCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceFailed:
		return schema.EventInstanceFailed
	case schema.InstanceCancelled:
		return schema.EventInstanceCancelled
	}
	return schema.EventInstanceSuspended
}

// step accumulates everything one engine step writes. It commits through
// store.CommitStep; hooks run only after a successful commit.
type step struct {
	inst       *schema.Instance
	now        time.Time
	executions []*schema.Execution
	events     []*store.Event
	after      []func(ctx context.Context)
}

func newStep(inst *schema.Instance, now time.Time) *step {
	return &step{inst: inst, now: now}
}

func (s *step) addEvent(eventType string, taskIndex int, payload map[string]any) {
	s.events = append(s.events, &store.Event{
		InstanceID: s.inst.ID,
		TaskIndex:  taskIndex,
		Type:       eventType,
		Payload:    eventPayload(payload),
		Timestamp:  s.now,
	})
}

func (s *step) addExecution(e *schema.Execution) {
	s.executions = append(s.executions, e)
}

func (s *step) afterCommit(fn func(ctx context.Context)) {
	s.after = append(s.after, fn)
}

func (s *step) commit() store.StepCommit {
	return store.StepCommit{Instance: s.inst, Executions: s.executions, Events: s.events, Now: s.now}
}

func (s *step) runHooks(ctx context.Context) {
	for _, fn := range s.after {
		fn(ctx)
	}
}

func eventPayload(payload map[string]any) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
