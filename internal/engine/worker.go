package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Deduped   int64 `json:"deduped"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool. Keyed submissions are dropped
// while work for the same key is still queued or running, so a sweep that
// finds the same instance twice advances it once.
type WorkerPool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	metrics  PoolMetrics
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	inflight map[string]struct{}
	logger   *slog.Logger
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		sem:      make(chan struct{}, size),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
		logger:   logger,
	}
}

// Submit enqueues work into the pool. It blocks if the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.submit(ctx, "", fn)
}

// SubmitKeyed is Submit with in-flight dedup on key. accepted is false when
// work for key is already queued or running.
func (p *WorkerPool) SubmitKeyed(ctx context.Context, key string, fn func(ctx context.Context) error) (accepted bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, ErrPoolShutdown
	}
	if _, busy := p.inflight[key]; busy {
		p.mu.Unlock()
		atomic.AddInt64(&p.metrics.Deduped, 1)
		return false, nil
	}
	p.inflight[key] = struct{}{}
	p.mu.Unlock()

	if err := p.submit(ctx, key, fn); err != nil {
		p.release(key)
		return false, err
	}
	return true, nil
}

func (p *WorkerPool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

func (p *WorkerPool) submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.ErrorContext(ctx, "worker panic recovered", "key", key, "panic", r)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			p.release(key)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.WarnContext(ctx, "worker task failed", "key", key, "error", err)
			return
		}
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for active work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Deduped:   atomic.LoadInt64(&p.metrics.Deduped),
	}
}
