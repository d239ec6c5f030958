package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricPrefix = "autoflow_"

// Metrics instruments dispatches, task executions and transitions.
// A nil *Metrics records nothing.
type Metrics struct {
	dispatches   metric.Int64Counter
	executions   metric.Int64Counter
	retries      metric.Int64Counter
	transitions  metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// NewMetrics registers the engine instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}
	m := &Metrics{}
	counterDefs := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.dispatches, "dispatches_total", "Instances created by trigger dispatch"},
		{&m.executions, "executions_total", "Task executions by action type and status"},
		{&m.retries, "retries_total", "Task retries scheduled"},
		{&m.transitions, "transitions_total", "Instance status transitions"},
	}
	for _, def := range counterDefs {
		counter, err := meter.Int64Counter(metricPrefix+def.name,
			metric.WithDescription(def.description),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", def.name, err)
		}
		*def.target = counter
	}
	hist, err := meter.Float64Histogram(metricPrefix+"step_duration_seconds",
		metric.WithDescription("Duration of a task handler call"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create step duration histogram: %w", err)
	}
	m.stepDuration = hist
	return m, nil
}

// RecordDispatch counts instances created for triggerType.
func (m *Metrics) RecordDispatch(ctx context.Context, triggerType string, created int) {
	if m == nil || created == 0 {
		return
	}
	m.dispatches.Add(ctx, int64(created), metric.WithAttributes(attribute.String("trigger_type", triggerType)))
}

// RecordExecution counts one task attempt and its handler duration.
func (m *Metrics) RecordExecution(ctx context.Context, actionType, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action_type", actionType),
		attribute.String("status", status),
	)
	m.executions.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry(ctx context.Context, actionType string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", actionType)))
}

// RecordTransition counts an instance status change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
