package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// Advancer is the part of the engine the sweeper drives.
type Advancer interface {
	Advance(ctx context.Context, instanceID string) error
	ExpireOverdue(ctx context.Context, sla time.Duration) (int, error)
}

// SweeperConfig tunes the background sweep.
type SweeperConfig struct {
	// Spec is a robfig/cron schedule. Default "@every 30s".
	Spec string `koanf:"spec"`
	// BatchSize caps how many instances one source yields per sweep.
	BatchSize int `koanf:"batch_size"`
	// Workers bounds concurrent Advance calls.
	Workers int `koanf:"workers"`
	// StaleAfter is how long a PENDING or RUNNING instance without a
	// wake-up may sit untouched before it is re-advanced.
	StaleAfter time.Duration `koanf:"stale_after"`
	// HITLSLA auto-rejects approvals older than this. Zero disables it.
	HITLSLA time.Duration `koanf:"hitl_sla"`
}

// DefaultSweeperConfig returns the default sweep settings.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Spec:       "@every 30s",
		BatchSize:  100,
		Workers:    8,
		StaleAfter: 5 * time.Minute,
	}
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Due     int `json:"due"`
	Stale   int `json:"stale"`
	Expired int `json:"expired"`
}

// Sweeper re-advances instances whose timers fired, recovers instances a
// crashed process left behind and expires overdue approvals.
type Sweeper struct {
	store   store.Store
	engine  Advancer
	sources []DueSource
	pool    *engine.WorkerPool
	cfg     SweeperConfig
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewSweeper creates a Sweeper. The store's wake_at column is always
// swept; extra sources such as a RedisTimer are swept too.
func NewSweeper(s store.Store, eng Advancer, cfg SweeperConfig, logger *slog.Logger, extra ...DueSource) (*Sweeper, error) {
	def := DefaultSweeperConfig()
	if cfg.Spec == "" {
		cfg.Spec = def.Spec
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid sweep schedule %q: %s", cfg.Spec, err.Error()).WithCause(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:   s,
		engine:  eng,
		sources: append([]DueSource{NewStoreTimer(s)}, extra...),
		pool:    engine.NewWorkerPool(cfg.Workers, logger),
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start runs an immediate sweep and then follows the cron schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.run(sweepCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron = c
	s.cancel = cancel

	s.run(sweepCtx)
	c.Start()
	s.logger.InfoContext(ctx, "sweeper started", "spec", s.cfg.Spec)
	return nil
}

// Stop halts the schedule and waits for in-flight advances.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.pool.Shutdown()
	s.cancel()
	s.cron = nil
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", "error", err)
		return
	}
	if report.Due+report.Stale+report.Expired > 0 {
		s.logger.InfoContext(ctx, "sweep complete",
			"due", report.Due, "stale", report.Stale, "expired", report.Expired)
	}
}

// Sweep performs one pass. Advances are submitted to the worker pool and
// may still be running when Sweep returns.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	for _, src := range s.sources {
		ids, err := src.Due(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("list due instances: %w", err)
		}
		report.Due += s.submit(ctx, ids)
	}

	cutoff := now.Add(-s.cfg.StaleAfter)
	stale, err := s.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:      []schema.InstanceStatus{schema.InstancePending, schema.InstanceRunning},
		UpdatedBefore: &cutoff,
		Unscheduled:   true,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return report, fmt.Errorf("list stale instances: %w", err)
	}
	ids := make([]string, len(stale))
	for i, inst := range stale {
		ids[i] = inst.ID
	}
	report.Stale = s.submit(ctx, ids)

	if s.cfg.HITLSLA > 0 {
		n, err := s.engine.ExpireOverdue(ctx, s.cfg.HITLSLA)
		report.Expired = n
		if err != nil {
			return report, fmt.Errorf("expire overdue approvals: %w", err)
		}
	}
	return report, nil
}

func (s *Sweeper) submit(ctx context.Context, ids []string) int {
	accepted := 0
	for _, id := range ids {
		ok, err := s.pool.SubmitKeyed(ctx, id, func(ctx context.Context) error {
			return s.engine.Advance(ctx, id)
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to submit advance", "instance_id", id, "error", err)
			continue
		}
		if ok {
			accepted++
		}
	}
	return accepted
}

// Wait blocks until submitted advances finish.
func (s *Sweeper) Wait() {
	s.pool.Wait()
}
