package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for runs and declarations. A disabled
// Metrics (or a nil *Metrics) records nothing.
type Metrics struct {
	config MetricsConfig

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  prometheus.Gauge

	declarationsTotal   *prometheus.CounterVec
	declarationDuration *prometheus.HistogramVec

	errorsTotal *prometheus.CounterVec

	instanceUp *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished runs",
			},
			[]string{"action", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of runs in progress",
			},
		),
		declarationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "declarations_total",
				Help:      "Total number of applied declarations by outcome",
			},
			[]string{"kind", "status"},
		),
		declarationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "declaration_duration_seconds",
				Help:      "Duration of declaration application in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of run failures by class and code",
			},
			[]string{"class", "code"},
		),
		instanceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instance_up",
				Help:      "Whether the last probe reached the MySQL instance (1) or not (0)",
			},
			[]string{"instance"},
		),
	}

	m.registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.declarationsTotal,
		m.declarationDuration,
		m.errorsTotal,
		m.instanceUp,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RunStarted marks a run as in progress.
func (m *Metrics) RunStarted() {
	if !m.enabled() {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(action, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(action, status).Inc()
	m.runDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordDeclaration records one declaration outcome.
func (m *Metrics) RecordDeclaration(kind, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.declarationsTotal.WithLabelValues(kind, status).Inc()
	m.declarationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordError records a run failure.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsTotal.WithLabelValues(class, code).Inc()
}

// SetInstanceUp records a probe result.
func (m *Metrics) SetInstanceUp(instance string, up bool) {
	if !m.enabled() {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.instanceUp.WithLabelValues(instance).Set(v)
}

// Registry returns the registry metrics are registered with, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if !m.enabled() {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
