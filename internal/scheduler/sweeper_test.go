package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// fakeStore serves ListInstances from memory.
type fakeStore struct {
	store.Store
	mu        sync.Mutex
	instances []*schema.Instance
	listErr   error
}

func (f *fakeStore) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*schema.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*schema.Instance
	for _, inst := range f.instances {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, inst.Status) {
			continue
		}
		if filter.WakeBefore != nil && (inst.WakeAt == nil || inst.WakeAt.After(*filter.WakeBefore)) {
			continue
		}
		if filter.UpdatedBefore != nil && !inst.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		if filter.Unscheduled && inst.WakeAt != nil {
			continue
		}
		out = append(out, inst)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

type fakeAdvancer struct {
	mu       sync.Mutex
	advanced []string
	slaCalls []time.Duration
	expired  int
}

func (f *fakeAdvancer) Advance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, id)
	return nil
}

func (f *fakeAdvancer) ExpireOverdue(_ context.Context, sla time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slaCalls = append(f.slaCalls, sla)
	return f.expired, nil
}

func (f *fakeAdvancer) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.advanced)
	sort.Strings(out)
	return out
}

type staticSource []string

func (s staticSource) Due(context.Context, time.Time, int) ([]string, error) { return s, nil }

var sweepNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := sweepNow.Add(d)
	return &t
}

func sweepFixture() *fakeStore {
	return &fakeStore{instances: []*schema.Instance{
		{ID: "due", Status: schema.InstanceRunning, WakeAt: at(-time.Minute), UpdatedAt: sweepNow.Add(-time.Hour)},
		{ID: "future", Status: schema.InstanceRunning, WakeAt: at(time.Hour), UpdatedAt: sweepNow.Add(-time.Hour)},
		{ID: "stale", Status: schema.InstancePending, UpdatedAt: sweepNow.Add(-10 * time.Minute)},
		{ID: "fresh", Status: schema.InstanceRunning, UpdatedAt: sweepNow.Add(-time.Minute)},
		{ID: "waiting", Status: schema.InstanceWaitingHITL, UpdatedAt: sweepNow.Add(-time.Hour)},
		{ID: "done", Status: schema.InstanceCompleted, UpdatedAt: sweepNow.Add(-time.Hour)},
	}}
}

func newTestSweeper(t *testing.T, s store.Store, adv Advancer, cfg SweeperConfig, extra ...DueSource) *Sweeper {
	t.Helper()
	sw, err := NewSweeper(s, adv, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), extra...)
	require.NoError(t, err)
	sw.now = func() time.Time { return sweepNow }
	return sw
}

func TestSweeper_Sweep(t *testing.T) {
	adv := &fakeAdvancer{}
	sw := newTestSweeper(t, sweepFixture(), adv, SweeperConfig{})

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	sw.Wait()

	assert.Equal(t, SweepReport{Due: 1, Stale: 1}, report)
	assert.Equal(t, []string{"due", "stale"}, adv.ids())
	assert.Empty(t, adv.slaCalls)
}

func TestSweeper_ExtraSourcesAndSLA(t *testing.T) {
	adv := &fakeAdvancer{expired: 2}
	sw := newTestSweeper(t, &fakeStore{}, adv, SweeperConfig{HITLSLA: 48 * time.Hour}, staticSource{"from-redis"})

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	sw.Wait()

	assert.Equal(t, SweepReport{Due: 1, Expired: 2}, report)
	assert.Equal(t, []string{"from-redis"}, adv.ids())
	assert.Equal(t, []time.Duration{48 * time.Hour}, adv.slaCalls)
}

func TestSweeper_DedupAcrossSources(t *testing.T) {
	block := make(chan struct{})
	adv := &blockingAdvancer{release: block}
	sw := newTestSweeper(t, &fakeStore{}, adv, SweeperConfig{}, staticSource{"inst-1"}, staticSource{"inst-1"})

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)

	close(block)
	sw.Wait()
	assert.Equal(t, 1, adv.calls)
}

type blockingAdvancer struct {
	fakeAdvancer
	release chan struct{}
	calls   int
}

func (b *blockingAdvancer) Advance(_ context.Context, _ string) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	return nil
}

func TestSweeper_StoreError(t *testing.T) {
	sw := newTestSweeper(t, &fakeStore{listErr: errors.New("db down")}, &fakeAdvancer{}, SweeperConfig{})
	_, err := sw.Sweep(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestNewSweeper_Defaults(t *testing.T) {
	sw := newTestSweeper(t, &fakeStore{}, &fakeAdvancer{}, SweeperConfig{})
	assert.Equal(t, DefaultSweeperConfig(), sw.cfg)
	assert.Len(t, sw.sources, 1)
}

func TestNewSweeper_InvalidSpec(t *testing.T) {
	_, err := NewSweeper(&fakeStore{}, &fakeAdvancer{}, SweeperConfig{Spec: "every now and then"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestSweeper_StartStop(t *testing.T) {
	adv := &fakeAdvancer{}
	sw := newTestSweeper(t, sweepFixture(), adv, SweeperConfig{Spec: "@every 1h"})

	require.NoError(t, sw.Start(context.Background()))
	assert.Error(t, sw.Start(context.Background()))
	sw.Stop()
	sw.Stop()

	// Start sweeps once right away.
	assert.Equal(t, []string{"due", "stale"}, adv.ids())
}
