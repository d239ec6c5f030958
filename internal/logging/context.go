package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	tenantIDKey
	taskIndexKey
	actionTypeKey
)

// WithInstanceID returns a context with the instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithTask returns a context carrying the current task index and action type.
func WithTask(ctx context.Context, index int, actionType string) context.Context {
	ctx = context.WithValue(ctx, taskIndexKey, index)
	return context.WithValue(ctx, actionTypeKey, actionType)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// TenantID extracts the tenant ID from the context, or "" if absent.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// TaskIndex extracts the task index. ok is false when none is set.
func TaskIndex(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(taskIndexKey).(int)
	return v, ok
}

// ActionType extracts the action type from the context, or "" if absent.
func ActionType(ctx context.Context) string {
	v, _ := ctx.Value(actionTypeKey).(string)
	return v
}

// WithInstance sets the instance and tenant IDs at once.
func WithInstance(ctx context.Context, instanceID, tenantID string) context.Context {
	ctx = WithInstanceID(ctx, instanceID)
	return WithTenantID(ctx, tenantID)
}

// correlationAttrs returns the non-empty correlation attributes of ctx.
func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := InstanceID(ctx); v != "" {
		attrs = append(attrs, slog.String("instance_id", v))
	}
	if v := TenantID(ctx); v != "" {
		attrs = append(attrs, slog.String("tenant_id", v))
	}
	if v, ok := TaskIndex(ctx); ok {
		attrs = append(attrs, slog.Int("task_index", v))
	}
	if v := ActionType(ctx); v != "" {
		attrs = append(attrs, slog.String("action_type", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
