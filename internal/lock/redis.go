// Package lock provides a distributed per-key lock for engines that share
// a store across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/rendis/autoflow/pkg/schema"
)

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var errHeld = errors.New("lock held by another owner")

// Config tunes a RedisLocker.
type Config struct {
	Prefix string `koanf:"prefix"`
	// TTL bounds how long a crashed holder blocks the key. It must exceed
	// the longest action call.
	TTL time.Duration `koanf:"ttl"`
	// RetryInterval is the wait between acquisition attempts.
	RetryInterval time.Duration `koanf:"retry_interval"`
	// MaxWait gives up acquiring after this long.
	MaxWait time.Duration `koanf:"max_wait"`
}

// DefaultConfig returns the default lock settings.
func DefaultConfig() Config {
	return Config{
		Prefix:        "autoflow:lock:",
		TTL:           2 * time.Minute,
		RetryInterval: 50 * time.Millisecond,
		MaxWait:       10 * time.Second,
	}
}

// RedisLocker implements engine.Locker with SET NX PX and a token-checked
// release.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

// NewRedisLocker creates a RedisLocker. Zero config fields take defaults.
func NewRedisLocker(client redis.UniversalClient, cfg Config, logger *slog.Logger) *RedisLocker {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger}
}

// Lock acquires key, retrying until MaxWait or ctx ends. Failure to acquire
// is a retryable LOCKED error.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.cfg.Prefix + key
	token := uuid.NewString()

	backoff := retry.WithMaxDuration(l.cfg.MaxWait, retry.NewConstant(l.cfg.RetryInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			return fmt.Errorf("set lock: %w", err)
		}
		if !ok {
			return retry.RetryableError(errHeld)
		}
		return nil
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeLocked, "acquire lock %q: %s", key, err.Error()).
			WithDetails(map[string]any{"key": key}).
			WithCause(err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.WarnContext(ctx, "failed to release lock", "key", key, "error", err)
			}
		})
	}
	return release, nil
}
