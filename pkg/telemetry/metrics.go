package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for deployments.
// A Metrics created with metrics disabled accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	deploymentsStarted   *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec

	itemsSettled *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec
	progress     prometheus.Counter

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	policyEvaluations *prometheus.CounterVec

	activeDeployments prometheus.Gauge
	inflightItems     prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments started",
			},
			[]string{"solution"},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments completed, by final status",
			},
			[]string{"status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployments in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		itemsSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Total number of settled items, by type and status",
			},
			[]string{"type", "status"},
		),
		itemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_create_duration_seconds",
				Help:      "Duration of item creation in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		progress: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_units_total",
				Help:      "Total number of progress units reported",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of item failures by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of item failures by error code",
			},
			[]string{"code"},
		),

		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy evaluations, by result",
			},
			[]string{"result"},
		),

		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of running deployments",
			},
		),
		inflightItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_items",
				Help:      "Current number of items being created",
			},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.itemsSettled,
		m.itemDuration,
		m.progress,
		m.errorsByClass,
		m.errorsByCode,
		m.policyEvaluations,
		m.activeDeployments,
		m.inflightItems,
	)

	return m, nil
}

// Registry returns the private Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDeploymentStarted counts a started deployment.
func (m *Metrics) RecordDeploymentStarted(solution string) {
	if m.deploymentsStarted == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(solution).Inc()
	m.activeDeployments.Inc()
}

// RecordDeploymentCompleted records a finished deployment with its status and duration.
func (m *Metrics) RecordDeploymentCompleted(status string, duration time.Duration) {
	if m.deploymentsCompleted == nil {
		return
	}
	m.deploymentsCompleted.WithLabelValues(status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// RecordItemStarted marks an item as in flight.
func (m *Metrics) RecordItemStarted() {
	if m.inflightItems == nil {
		return
	}
	m.inflightItems.Inc()
}

// RecordItemSettled records the final status of an item. started reports
// whether RecordItemStarted was called for it.
func (m *Metrics) RecordItemSettled(itemType, status string, duration time.Duration, started bool) {
	if m.itemsSettled == nil {
		return
	}
	if itemType == "" {
		itemType = "unknown"
	}
	m.itemsSettled.WithLabelValues(itemType, status).Inc()
	if started {
		m.inflightItems.Dec()
		m.itemDuration.WithLabelValues(itemType).Observe(duration.Seconds())
	}
}

// RecordProgress adds progress units.
func (m *Metrics) RecordProgress(units int) {
	if m.progress == nil || units <= 0 {
		return
	}
	m.progress.Add(float64(units))
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	if errorClass == "" {
		errorClass = "unclassified"
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordPolicyEvaluation counts a policy evaluation.
func (m *Metrics) RecordPolicyEvaluation(allowed bool) {
	if m.policyEvaluations == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.policyEvaluations.WithLabelValues(result).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics in the background until Shutdown.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
