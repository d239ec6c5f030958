package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// SLAActor is the actor recorded when an approval expires.
const SLAActor = "system:sla"

// Resolve records a human decision on the current HITL task. Approval
// continues the instance; rejection fails it without retry.
func (e *engineImpl) Resolve(ctx context.Context, instanceID string, approve bool, actorID string) error {
	resumed, err := e.resolve(ctx, instanceID, approve, actorID)
	if err != nil || !resumed {
		return err
	}
	return e.Advance(ctx, instanceID)
}

func (e *engineImpl) resolve(ctx context.Context, instanceID string, approve bool, actorID string) (bool, error) {
	release, err := e.locker.Lock(ctx, instanceLockKey(instanceID))
	if err != nil {
		return false, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false, storeError(err, "get instance")
	}
	if inst.Status != schema.InstanceWaitingHITL {
		return false, schema.NewErrorf(schema.ErrCodeInvalidState,
			"instance %s is %s, not waiting for approval", inst.ID, inst.Status).
			WithDetails(map[string]any{"instance_id": inst.ID, "status": string(inst.Status)})
	}

	task, _ := inst.CurrentTask()
	idx := inst.CurrentTaskIndex
	ctx = logging.WithTask(logging.WithInstance(ctx, inst.ID, inst.TenantID), idx, task.ActionType)
	now := e.now()
	s := newStep(inst, now)

	exec := &schema.Execution{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		TaskIndex:  idx,
		ActionType: task.ActionType,
		Attempt:    inst.Attempt + 1,
		StartedAt:  now,
		FinishedAt: now,
		HITL:       true,
	}
	s.addExecution(exec)
	s.addEvent(schema.EventApprovalResolved, idx, map[string]any{
		"approved": approve,
		"actor_id": actorID,
	})

	logger := logging.LogWith(ctx, e.logger)
	if approve {
		result := schema.Values{
			"approved_by": actorID,
			"approved_at": now.Format(time.RFC3339),
		}
		exec.Status = schema.ExecutionSucceeded
		exec.ResultData = result
		inst.Variables = inst.Variables.Merge(result)
		e.nextTask(s)
		if err := e.fsm.Transition(s, schema.InstanceRunning, nil); err != nil {
			return false, err
		}
		if err := e.commit(ctx, s); err != nil {
			return false, err
		}
		logger.InfoContext(ctx, "approval granted", "actor_id", actorID)
		return true, nil
	}

	rejected := schema.NewErrorf(schema.ErrCodeHITLRejected, "approval rejected by %s", actorID).
		WithTask(idx).
		WithDetails(map[string]any{"actor_id": actorID})
	exec.Status = schema.ExecutionFailed
	exec.Error = rejected.Error()
	if err := e.failInstance(s, rejected); err != nil {
		return false, err
	}
	if err := e.commit(ctx, s); err != nil {
		return false, err
	}
	logger.InfoContext(ctx, "approval rejected", "actor_id", actorID)
	return false, nil
}

// ExpireOverdue rejects every approval that has been waiting longer than
// sla. Instances resolved concurrently are skipped.
func (e *engineImpl) ExpireOverdue(ctx context.Context, sla time.Duration) (int, error) {
	if sla <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-sla)
	waiting, err := e.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:      []schema.InstanceStatus{schema.InstanceWaitingHITL},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, storeError(err, "list waiting instances")
	}

	expired := 0
	for _, inst := range waiting {
		err := e.Resolve(ctx, inst.ID, false, SLAActor)
		switch {
		case err == nil:
			expired++
		case schema.HasCode(err, schema.ErrCodeInvalidState):
		default:
			return expired, err
		}
	}
	return expired, nil
}
