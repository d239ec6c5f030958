package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// Engine runs template instances one task at a time.
type Engine interface {
	// Dispatch creates an instance for every active template bound to the
	// trigger in the tenant's industry and starts advancing it.
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)

	// Advance moves an instance forward until it finishes, waits for a
	// human or a timer, or fails. It is safe to call repeatedly.
	Advance(ctx context.Context, instanceID string) error

	// Cancel stops a non-terminal instance. Effects already applied stay.
	Cancel(ctx context.Context, instanceID string) error

	// Inspect returns the instance with its executions and audit log.
	Inspect(ctx context.Context, instanceID string) (*InstanceView, error)

	// Resolve records a human decision for an instance waiting on approval.
	Resolve(ctx context.Context, instanceID string, approve bool, actorID string) error

	// ExpireOverdue rejects approvals that have waited longer than sla.
	ExpireOverdue(ctx context.Context, sla time.Duration) (int, error)
}

// ActionExecutor runs a task's action. Satisfied by *actions.Registry.
type ActionExecutor interface {
	Execute(ctx context.Context, actionType string, req actions.Request) (schema.Values, error)
}

// Timer wakes an instance at a later time. The engine persists wake_at
// before scheduling, so a lost timer is recovered by the sweeper.
type Timer interface {
	ScheduleAt(ctx context.Context, at time.Time, instanceID string) error
	Cancel(ctx context.Context, instanceID string) error
}

// InstanceView is the full picture of one instance.
type InstanceView struct {
	Instance   *schema.Instance    `json:"instance"`
	Executions []*schema.Execution `json:"executions"`
	Events     []*store.Event      `json:"events"`
}

// Deps are the collaborators of an Engine. Store and Actions are required.
type Deps struct {
	Store        store.Store
	Actions      ActionExecutor
	Conditions   *expressions.ConditionEvaluator
	Transforms   *expressions.GoJQEngine
	Interpolator *expressions.Interpolator
	Timer        Timer
	Locker       Locker
	Hub          streaming.EventHub
	Metrics      *Metrics
	Logger       *slog.Logger
}

// Config tunes retries and circuit breaking.
type Config struct {
	Retry          RetryPolicy           `koanf:"retry"`
	CircuitBreaker *CircuitBreakerConfig `koanf:"circuit_breaker"`
	// Now overrides the clock in tests.
	Now func() time.Time `koanf:"-"`
}

type engineImpl struct {
	store        store.Store
	actions      ActionExecutor
	conditions   *expressions.ConditionEvaluator
	transforms   *expressions.GoJQEngine
	interpolator *expressions.Interpolator
	timer        Timer
	locker       Locker
	hub          streaming.EventHub
	metrics      *Metrics
	logger       *slog.Logger

	fsm      *InstanceFSM
	breakers *CircuitBreakerRegistry
	retry    RetryPolicy
	now      func() time.Time
}

// NewEngine wires an Engine. Missing optional deps get in-process defaults:
// a LocalLocker, a timer that relies on the persisted wake_at, and the
// built-in expression engines.
func NewEngine(deps Deps, cfg Config) (Engine, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if deps.Actions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an action executor")
	}
	if deps.Conditions == nil {
		celEngine, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		deps.Conditions = expressions.NewConditionEvaluator(celEngine, expressions.NewExprEngine())
	}
	if deps.Transforms == nil {
		deps.Transforms = expressions.NewGoJQEngine()
	}
	if deps.Interpolator == nil {
		deps.Interpolator = expressions.NewInterpolator(nil)
	}
	if deps.Timer == nil {
		deps.Timer = nopTimer{}
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	e := &engineImpl{
		store:        deps.Store,
		actions:      deps.Actions,
		conditions:   deps.Conditions,
		transforms:   deps.Transforms,
		interpolator: deps.Interpolator,
		timer:        deps.Timer,
		locker:       deps.Locker,
		hub:          deps.Hub,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		fsm:          NewInstanceFSM(),
		breakers:     NewCircuitBreakerRegistry(cbConfig),
		retry:        cfg.Retry.withDefaults(),
		now:          now,
	}
	e.breakers.now = now
	e.registerHooks()
	return e, nil
}

func (e *engineImpl) registerHooks() {
	e.fsm.OnTransition(func(ctx context.Context, inst *schema.Instance, from schema.InstanceStatus) {
		e.metrics.RecordTransition(ctx, string(from), string(inst.Status))
	})
	e.fsm.OnEnter(schema.InstanceWaitingHITL, func(ctx context.Context, inst *schema.Instance, _ schema.InstanceStatus) {
		task, _ := inst.CurrentTask()
		e.publish(ctx, inst, streaming.TypeApprovalRequested, map[string]any{
			"task_name":   task.Label(),
			"action_type": task.ActionType,
			"variables":   inst.Variables.Plain(),
		})
	})
	e.fsm.OnEnter(schema.InstanceCompleted, func(ctx context.Context, inst *schema.Instance, _ schema.InstanceStatus) {
		e.publish(ctx, inst, streaming.TypeInstanceCompleted, nil)
	})
	e.fsm.OnEnter(schema.InstanceFailed, func(ctx context.Context, inst *schema.Instance, _ schema.InstanceStatus) {
		var payload map[string]any
		if inst.LastError != nil {
			payload = map[string]any{"code": inst.LastError.Code, "message": inst.LastError.Message}
		}
		e.publish(ctx, inst, streaming.TypeInstanceFailed, payload)
	})
	e.fsm.OnEnter(schema.InstanceCancelled, func(ctx context.Context, inst *schema.Instance, _ schema.InstanceStatus) {
		e.publish(ctx, inst, streaming.TypeInstanceCancelled, nil)
		if err := e.timer.Cancel(ctx, inst.ID); err != nil {
			e.logger.WarnContext(ctx, "failed to cancel timer", "error", err)
		}
	})
}

// publish sends a notification. Delivery failures never affect the instance.
func (e *engineImpl) publish(ctx context.Context, inst *schema.Instance, eventType string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	ev := streaming.StreamEvent{
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		SubjectRef: inst.SubjectRef,
		TaskIndex:  inst.CurrentTaskIndex,
		EventType:  eventType,
	}
	if payload != nil {
		ev.Payload = payload
	}
	if err := e.hub.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "failed to publish notification", "event_type", eventType, "error", err)
	}
}

// commit persists the step and runs its hooks.
func (e *engineImpl) commit(ctx context.Context, s *step) error {
	if err := e.store.CommitStep(ctx, s.commit()); err != nil {
		return storeError(err, "commit step")
	}
	s.runHooks(ctx)
	return nil
}

// Inspect returns the instance with its executions and audit log.
func (e *engineImpl) Inspect(ctx context.Context, instanceID string) (*InstanceView, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, storeError(err, "get instance")
	}
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{InstanceID: instanceID})
	if err != nil {
		return nil, storeError(err, "list executions")
	}
	events, err := e.store.ListEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, storeError(err, "list events")
	}
	return &InstanceView{Instance: inst, Executions: execs, Events: events}, nil
}

// storeError keeps coded store errors and wraps anything else as STORE.
func storeError(err error, op string) error {
	var ae *schema.AutoflowError
	if errors.As(err, &ae) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// asAutoflowError returns err's AutoflowError or wraps err with code.
func asAutoflowError(err error, code string) *schema.AutoflowError {
	var ae *schema.AutoflowError
	if errors.As(err, &ae) {
		return ae
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}

type nopTimer struct{}

func (nopTimer) ScheduleAt(context.Context, time.Time, string) error { return nil }
func (nopTimer) Cancel(context.Context, string) error                { return nil }
