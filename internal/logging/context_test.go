package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", InstanceID(ctx))
	assert.Equal(t, "", TenantID(ctx))
	_, ok := TaskIndex(ctx)
	assert.False(t, ok)
	assert.Equal(t, "", ActionType(ctx))

	ctx = WithInstance(ctx, "inst-123", "clinic-1")
	ctx = WithTask(ctx, 0, "appointment_reminder")

	assert.Equal(t, "inst-123", InstanceID(ctx))
	assert.Equal(t, "clinic-1", TenantID(ctx))
	idx, ok := TaskIndex(ctx)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, "appointment_reminder", ActionType(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithInstance(context.Background(), "inst-abc", "agency-9")
	ctx = WithTask(ctx, 2, "sms")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "instance_id=inst-abc")
	assert.Contains(t, output, "tenant_id=agency-9")
	assert.Contains(t, output, "task_index=2")
	assert.Contains(t, output, "action_type=sms")
	assert.Contains(t, output, "test message")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "instance_id")
	assert.NotContains(t, output, "task_index")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithInstance(context.Background(), "inst-auto", "hotel-3")
	ctx = WithTask(ctx, 1, "reservation_reminder")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"instance_id":"inst-auto"`)
	assert.Contains(t, output, `"tenant_id":"hotel-3"`)
	assert.Contains(t, output, `"task_index":1`)
	assert.Contains(t, output, `"action_type":"reservation_reminder"`)
}

func TestCorrelationHandlerPartialContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(WithInstanceID(context.Background(), "inst-only"), "partial")

	output := buf.String()
	assert.Contains(t, output, `"instance_id":"inst-only"`)
	assert.NotContains(t, output, "tenant_id")
	assert.NotContains(t, output, "task_index")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithInstanceID(context.Background(), "inst-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"instance_id":"inst-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner).WithGroup("engine"))

	logger.InfoContext(WithInstanceID(context.Background(), "inst-grp"), "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "inst-grp")
	assert.Contains(t, output, "grouped")
}
