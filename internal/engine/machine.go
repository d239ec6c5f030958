package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/pkg/schema"
)

// Advance runs steps until the instance stops making progress. Each step
// holds the instance lock on its own, so a Resolve or Cancel can interleave
// between steps.
func (e *engineImpl) Advance(ctx context.Context, instanceID string) error {
	for {
		more, err := e.step(ctx, instanceID)
		if err != nil || !more {
			return err
		}
	}
}

// step performs one unit of work and commits it. more is true when the
// instance can move again right away.
func (e *engineImpl) step(ctx context.Context, instanceID string) (more bool, err error) {
	release, err := e.locker.Lock(ctx, instanceLockKey(instanceID))
	if err != nil {
		return false, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, storeError(err, "get instance")
	}
	if inst.Status.IsTerminal() || inst.Status == schema.InstanceWaitingHITL {
		return false, nil
	}
	now := e.now()
	if inst.WakeAt != nil && now.Before(*inst.WakeAt) {
		return false, nil
	}

	ctx = logging.WithInstance(ctx, inst.ID, inst.TenantID)
	s := newStep(inst, now)
	if inst.Status == schema.InstancePending {
		if err := e.fsm.Transition(s, schema.InstanceRunning, nil); err != nil {
			return false, err
		}
	}

	more, err = e.runTask(ctx, s)
	if err != nil {
		return false, err
	}
	if err := e.commit(ctx, s); err != nil {
		return false, err
	}
	return more, nil
}

// runTask applies the current task to the step.
func (e *engineImpl) runTask(ctx context.Context, s *step) (bool, error) {
	inst := s.inst
	idx := inst.CurrentTaskIndex
	task, ok := inst.CurrentTask()
	if !ok {
		return false, e.fsm.Transition(s, schema.InstanceCompleted, nil)
	}
	ctx = logging.WithTask(ctx, idx, task.ActionType)
	logger := logging.LogWith(ctx, e.logger)

	run, err := e.conditions.Evaluate(ctx, task.Condition, inst.Variables, expressions.TaskInfo{
		Index:      idx,
		ActionType: task.ActionType,
		Attempt:    inst.Attempt + 1,
	})
	if err != nil {
		logger.WarnContext(ctx, "condition evaluation failed", "error", err)
		condErr := asAutoflowError(err, schema.ErrCodeConfiguration)
		if condErr.Code != schema.ErrCodeConfiguration {
			condErr = schema.NewErrorf(schema.ErrCodeConfiguration, "condition evaluation failed: %s", condErr.Message).WithCause(err)
		}
		return false, e.failInstance(s, condErr.WithTask(idx))
	}
	if !run {
		e.skipTask(s, task)
		return true, nil
	}

	if task.Delay.Duration > 0 {
		due := inst.TaskEnteredAt.Add(task.Delay.Duration)
		if s.now.Before(due) {
			e.delayTask(s, due)
			return false, nil
		}
	}

	if task.IsHITL {
		return false, e.fsm.Transition(s, schema.InstanceWaitingHITL, map[string]any{
			"task_name":   task.Label(),
			"action_type": task.ActionType,
		})
	}

	return e.executeTask(ctx, s, task)
}

func (e *engineImpl) skipTask(s *step, task schema.TaskSpec) {
	inst := s.inst
	s.addExecution(&schema.Execution{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		TaskIndex:  inst.CurrentTaskIndex,
		ActionType: task.ActionType,
		Attempt:    inst.Attempt + 1,
		Status:     schema.ExecutionSkipped,
		StartedAt:  s.now,
		FinishedAt: s.now,
	})
	s.addEvent(schema.EventTaskSkipped, inst.CurrentTaskIndex, map[string]any{
		"task_name":   task.Label(),
		"action_type": task.ActionType,
	})
	e.nextTask(s)
}

func (e *engineImpl) delayTask(s *step, due time.Time) {
	inst := s.inst
	inst.WakeAt = &due
	s.addEvent(schema.EventTaskDelayed, inst.CurrentTaskIndex, map[string]any{
		"wake_at": due.Format(time.RFC3339),
	})
	e.scheduleWake(s, due)
}

// scheduleWake asks the timer for a wake-up once the step is durable.
func (e *engineImpl) scheduleWake(s *step, at time.Time) {
	id := s.inst.ID
	s.afterCommit(func(ctx context.Context) {
		if err := e.timer.ScheduleAt(ctx, at, id); err != nil {
			logging.LogWith(ctx, e.logger).WarnContext(ctx, "failed to schedule wake-up; sweeper will pick it up",
				"wake_at", at, "error", err)
		}
	})
}

// nextTask makes the following task current.
func (e *engineImpl) nextTask(s *step) {
	inst := s.inst
	inst.CurrentTaskIndex++
	inst.Attempt = 0
	inst.TaskEnteredAt = s.now
	inst.WakeAt = nil
	inst.LastError = nil
}

func (e *engineImpl) executeTask(ctx context.Context, s *step, task schema.TaskSpec) (bool, error) {
	inst := s.inst
	idx := inst.CurrentTaskIndex
	attempt := inst.Attempt + 1
	logger := logging.LogWith(ctx, e.logger)

	started := e.now()
	result, err := e.callAction(ctx, s, task, attempt)
	finished := e.now()
	if ctx.Err() != nil {
		// Shutting down: leave the instance for the sweeper.
		return false, ctx.Err()
	}

	exec := &schema.Execution{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		TaskIndex:  idx,
		ActionType: task.ActionType,
		Attempt:    attempt,
		StartedAt:  started,
		FinishedAt: finished,
	}
	s.addExecution(exec)

	if err == nil {
		exec.Status = schema.ExecutionSucceeded
		exec.ResultData = result
		inst.Variables = inst.Variables.Merge(result)
		s.addEvent(schema.EventTaskSucceeded, idx, map[string]any{
			"execution_id": exec.ID,
			"action_type":  task.ActionType,
			"attempt":      attempt,
		})
		e.nextTask(s)
		s.afterCommit(func(ctx context.Context) {
			e.metrics.RecordExecution(ctx, task.ActionType, string(schema.ExecutionSucceeded), finished.Sub(started))
		})
		logger.InfoContext(ctx, "task succeeded", "attempt", attempt)
		return true, nil
	}

	afErr := asAutoflowError(err, schema.ErrCodeExecution).WithTask(idx)
	exec.Status = schema.ExecutionFailed
	exec.Error = afErr.Error()
	inst.LastError = afErr
	inst.Attempt = attempt
	s.afterCommit(func(ctx context.Context) {
		e.metrics.RecordExecution(ctx, task.ActionType, string(schema.ExecutionFailed), finished.Sub(started))
	})

	if IsRetryableError(err) && attempt < e.retry.MaxAttempts {
		wake := s.now.Add(ComputeBackoff(e.retry, attempt))
		inst.WakeAt = &wake
		s.addEvent(schema.EventTaskRetrying, idx, map[string]any{
			"execution_id":    exec.ID,
			"attempt":         attempt,
			"next_attempt_at": wake.Format(time.RFC3339),
			"error":           afErr.Message,
		})
		s.afterCommit(func(ctx context.Context) { e.metrics.RecordRetry(ctx, task.ActionType) })
		e.scheduleWake(s, wake)
		logger.WarnContext(ctx, "task failed, retry scheduled", "attempt", attempt, "wake_at", wake, "error", err)
		return false, nil
	}

	payload := map[string]any{
		"execution_id": exec.ID,
		"attempt":      attempt,
		"code":         afErr.Code,
		"error":        afErr.Message,
	}
	if IsRetryableError(err) {
		payload["retry_exhausted"] = true
	}
	s.addEvent(schema.EventTaskFailed, idx, payload)
	logger.ErrorContext(ctx, "task failed", "attempt", attempt, "error", err)
	return false, e.fsm.Transition(s, schema.InstanceFailed, map[string]any{"code": afErr.Code, "error": afErr.Message})
}

// callAction runs one attempt: circuit check, interpolation, handler and
// optional transform.
func (e *engineImpl) callAction(ctx context.Context, s *step, task schema.TaskSpec, attempt int) (schema.Values, error) {
	inst := s.inst
	idx := inst.CurrentTaskIndex

	changed, err := e.breakers.AllowRequest(task.ActionType)
	if changed != nil {
		e.recordBreaker(s, task.ActionType, *changed)
	}
	if err != nil {
		return nil, err
	}

	config, err := e.interpolator.Resolve(ctx, task.ActionConfig, &expressions.Scope{
		Vars:       inst.Variables,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
	})
	if err != nil {
		return nil, err
	}

	result, err := e.actions.Execute(ctx, task.ActionType, actions.Request{
		Config:         config,
		Variables:      inst.Variables.Clone(),
		IdempotencyKey: fmt.Sprintf("%s:%d:%d", inst.ID, idx, attempt),
		TenantID:       inst.TenantID,
		InstanceID:     inst.ID,
		SubjectRef:     inst.SubjectRef,
	})
	if err != nil {
		if IsRetryableError(err) {
			if state, moved := e.breakers.RecordFailure(task.ActionType); moved {
				e.recordBreaker(s, task.ActionType, state)
			}
		}
		return nil, err
	}
	if e.breakers.RecordSuccess(task.ActionType) {
		e.recordBreaker(s, task.ActionType, CircuitClosed)
	}

	if task.Transform == "" {
		return result, nil
	}
	out, err := e.transforms.Transform(ctx, task.Transform, result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "transform failed: %s", err.Error()).
			WithDetails(map[string]any{"expression": task.Transform}).
			WithCause(err)
	}
	return out, nil
}

func (e *engineImpl) recordBreaker(s *step, actionType string, state CircuitState) {
	s.addEvent(state.EventType(), s.inst.CurrentTaskIndex, map[string]any{"action_type": actionType})
}

// failInstance records err and moves the instance to FAILED.
func (e *engineImpl) failInstance(s *step, err *schema.AutoflowError) error {
	s.inst.LastError = err
	return e.fsm.Transition(s, schema.InstanceFailed, map[string]any{"code": err.Code, "error": err.Message})
}

// Cancel moves any non-terminal instance to CANCELLED.
func (e *engineImpl) Cancel(ctx context.Context, instanceID string) error {
	release, err := e.locker.Lock(ctx, instanceLockKey(instanceID))
	if err != nil {
		return err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return storeError(err, "get instance")
	}
	if inst.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"instance %s is already %s", inst.ID, inst.Status).
			WithDetails(map[string]any{"instance_id": inst.ID, "status": string(inst.Status)})
	}

	ctx = logging.WithInstance(ctx, inst.ID, inst.TenantID)
	s := newStep(inst, e.now())
	if err := e.fsm.Transition(s, schema.InstanceCancelled, nil); err != nil {
		return err
	}
	if err := e.commit(ctx, s); err != nil {
		return err
	}
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "instance cancelled")
	return nil
}
