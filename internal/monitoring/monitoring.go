// Package monitoring owns the OpenTelemetry meter provider and serves its
// readings in Prometheus format.
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "autoflow"

// Config controls metrics export.
type Config struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// DefaultConfig serves metrics on /metrics.
func DefaultConfig() Config {
	return Config{Enabled: true, Path: "/metrics"}
}

// Service holds the meter used by the engine and the registry behind /metrics.
type Service struct {
	cfg      Config
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
}

// NewService builds the exporter pipeline. A disabled service hands out a
// no-op meter and its handler answers 503.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if !cfg.Enabled {
		return &Service{cfg: cfg, meter: noop.NewMeterProvider().Meter(meterName)}, nil
	}

	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("init prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	if logger != nil {
		logger.Info("metrics exporter initialized", "path", cfg.Path)
	}
	return &Service{
		cfg:      cfg,
		meter:    provider.Meter(meterName),
		provider: provider,
		registry: registry,
	}, nil
}

// Meter returns the meter for instrumentation.
func (s *Service) Meter() metric.Meter {
	return s.meter
}

// Enabled reports whether readings are exported.
func (s *Service) Enabled() bool {
	return s.registry != nil
}

// Path is where Handler should be mounted.
func (s *Service) Path() string {
	return s.cfg.Path
}

// Handler serves the Prometheus text format.
func (s *Service) Handler() http.Handler {
	if s.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the provider.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}
