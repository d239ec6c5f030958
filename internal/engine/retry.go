package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// RetryPolicy bounds task retries. Attempt n waits Initial * Factor^(n-1),
// capped at Max.
type RetryPolicy struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Initial     time.Duration `koanf:"initial"`
	Factor      float64       `koanf:"factor"`
	Max         time.Duration `koanf:"max"`
}

// DefaultRetryPolicy waits 1m, 5m and 25m between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Initial:     time.Minute,
		Factor:      5,
		Max:         25 * time.Minute,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	return p
}

// IsRetryableError classifies whether a failed attempt may be retried.
// AutoflowErrors decide by code. Cancellation is final, deadlines are not.
// Anything else is treated as a transient provider failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ae *schema.AutoflowError
	if errors.As(err, &ae) {
		return ae.IsRetryable()
	}
	return true
}

// ComputeBackoff returns the wait before the attempt that follows attempt
// (1-based). Attempt 0 or less yields no wait.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	policy = policy.withDefaults()

	delay := float64(policy.Initial)
	for i := 1; i < attempt; i++ {
		delay *= policy.Factor
		if delay >= float64(policy.Max) {
			return policy.Max
		}
	}
	if d := time.Duration(delay); d < policy.Max {
		return d
	}
	return policy.Max
}
