package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "autoflow:events:"

// RedisHub fans notifications out across processes over Redis pub/sub.
// Each tenant gets its own channel; delivery is at-most-once.
type RedisHub struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisHub creates a RedisHub. An empty prefix uses "autoflow:events:".
func NewRedisHub(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisHub {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, prefix: prefix, logger: logger}
}

func (h *RedisHub) channel(tenantID string) string {
	return h.prefix + tenantID
}

// Publish encodes event as JSON on the tenant's channel.
func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel(event.TenantID), data).Err(); err != nil {
		return fmt.Errorf("publish stream event: %w", err)
	}
	return nil
}

// Subscribe listens on the filter's tenant channel, or on every tenant when
// no tenant is given. Events are dropped when the consumer falls behind.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var sub *redis.PubSub
	if filter.TenantID != "" {
		sub = h.client.Subscribe(ctx, h.channel(filter.TenantID))
	} else {
		sub = h.client.PSubscribe(ctx, h.prefix+"*")
	}
	// Wait for the subscription confirmation so no publish is missed after return.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe stream events: %w", err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	msgs := sub.Channel()
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					h.logger.Warn("dropping malformed stream event", "channel", msg.Channel, "error", err)
					continue
				}
				if !matchFilter(filter, evt) {
					continue
				}
				select {
				case out <- evt:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}
