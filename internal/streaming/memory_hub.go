package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// allTenants buckets subscribers whose filter has no TenantID.
const allTenants = ""

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub is the single-process EventHub. Subscribers are bucketed by
// tenant so a publish only visits the tenant's subscribers plus the
// tenant-agnostic ones. Slow subscribers lose events rather than stall the
// engine; Dropped reports how many.
type MemoryHub struct {
	mu       sync.RWMutex
	byTenant map[string]map[uint64]*subscriber
	seq      atomic.Uint64
	dropped  atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		byTenant: make(map[string]map[uint64]*subscriber),
	}
}

// Publish never blocks.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.byTenant[allTenants], event)
	if event.TenantID != allTenants {
		h.deliver(h.byTenant[event.TenantID], event)
	}
	return nil
}

func (h *MemoryHub) deliver(subs map[uint64]*subscriber, event StreamEvent) {
	for _, sub := range subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers filter. The returned cancel func closes the channel
// and may be called more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan StreamEvent, defaultChannelBuffer), filter: filter}
	bucket := filter.TenantID

	h.mu.Lock()
	if h.byTenant[bucket] == nil {
		h.byTenant[bucket] = make(map[uint64]*subscriber)
	}
	h.byTenant[bucket][id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Closing under the write lock keeps Publish from sending on a
			// closed channel.
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.byTenant[bucket], id)
			if len(h.byTenant[bucket]) == 0 {
				delete(h.byTenant, bucket)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.byTenant {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
