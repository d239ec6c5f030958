package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call provider: %w", context.DeadlineExceeded), true},
		{"execution", schema.NewError(schema.ErrCodeExecution, "smtp down"), true},
		{"store", schema.NewError(schema.ErrCodeStore, "db gone"), true},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), true},
		{"configuration", schema.NewError(schema.ErrCodeConfiguration, "no messenger"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"hitl rejected", schema.NewError(schema.ErrCodeHITLRejected, "no"), false},
		{"wrapped configuration", fmt.Errorf("step: %w", schema.NewError(schema.ErrCodeConfiguration, "x")), false},
		{"plain error", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff_Default(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Duration(0), ComputeBackoff(p, 0))
	assert.Equal(t, time.Minute, ComputeBackoff(p, 1))
	assert.Equal(t, 5*time.Minute, ComputeBackoff(p, 2))
	assert.Equal(t, 25*time.Minute, ComputeBackoff(p, 3))
	assert.Equal(t, 25*time.Minute, ComputeBackoff(p, 4))
	assert.Equal(t, 25*time.Minute, ComputeBackoff(p, 50))
}

func TestComputeBackoff_Custom(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Initial: 10 * time.Second, Factor: 2, Max: time.Minute}
	assert.Equal(t, 10*time.Second, ComputeBackoff(p, 1))
	assert.Equal(t, 20*time.Second, ComputeBackoff(p, 2))
	assert.Equal(t, 40*time.Second, ComputeBackoff(p, 3))
	assert.Equal(t, time.Minute, ComputeBackoff(p, 4))
}

func TestComputeBackoff_ZeroPolicyUsesDefaults(t *testing.T) {
	assert.Equal(t, 5*time.Minute, ComputeBackoff(RetryPolicy{}, 2))
}
