package scheduler

import (
	"context"
	"time"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// DueSource yields instances whose wake-up time has passed.
type DueSource interface {
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// StoreTimer relies on the wake_at column the engine persists. Scheduling
// is a no-op; Due queries the store.
type StoreTimer struct {
	store store.Store
}

// NewStoreTimer creates a StoreTimer over s.
func NewStoreTimer(s store.Store) *StoreTimer {
	return &StoreTimer{store: s}
}

// ScheduleAt does nothing; wake_at is already persisted.
func (t *StoreTimer) ScheduleAt(context.Context, time.Time, string) error { return nil }

// Cancel does nothing; terminal instances clear wake_at.
func (t *StoreTimer) Cancel(context.Context, string) error { return nil }

// Due lists active instances with wake_at <= now.
func (t *StoreTimer) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	insts, err := t.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:   []schema.InstanceStatus{schema.InstancePending, schema.InstanceRunning},
		WakeBefore: &now,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID
	}
	return ids, nil
}
