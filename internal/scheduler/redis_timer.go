package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTimerKey = "autoflow:timers"

// RedisTimer keeps wake-ups in a sorted set scored by unix milliseconds.
// Several processes can share it; each due member is claimed by exactly one
// caller of Due.
type RedisTimer struct {
	client redis.UniversalClient
	key    string
}

// NewRedisTimer creates a RedisTimer. An empty key uses "autoflow:timers".
func NewRedisTimer(client redis.UniversalClient, key string) *RedisTimer {
	if key == "" {
		key = defaultTimerKey
	}
	return &RedisTimer{client: client, key: key}
}

// ScheduleAt sets the instance's wake-up, replacing any earlier one.
func (t *RedisTimer) ScheduleAt(ctx context.Context, at time.Time, instanceID string) error {
	if err := t.client.ZAdd(ctx, t.key, redis.Z{Score: float64(at.UnixMilli()), Member: instanceID}).Err(); err != nil {
		return fmt.Errorf("schedule %s: %w", instanceID, err)
	}
	return nil
}

// Cancel drops the instance's wake-up.
func (t *RedisTimer) Cancel(ctx context.Context, instanceID string) error {
	if err := t.client.ZRem(ctx, t.key, instanceID).Err(); err != nil {
		return fmt.Errorf("cancel timer %s: %w", instanceID, err)
	}
	return nil
}

// Due claims up to limit members scored at or before now.
func (t *RedisTimer) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	members, err := t.client.ZRangeByScore(ctx, t.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due timers: %w", err)
	}

	claimed := make([]string, 0, len(members))
	for _, id := range members {
		n, err := t.client.ZRem(ctx, t.key, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("claim timer %s: %w", id, err)
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}
