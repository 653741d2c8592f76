package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for drplane. A disabled instance
// accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsStarted   *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec
	phaseDuration        *prometheus.HistogramVec

	// Scheduler metrics
	activeTasks prometheus.Gauge
	taskPanics  prometheus.Counter

	// Fan-out metrics
	subscribers     prometheus.Gauge
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	// Credential metrics
	assumptions *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
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
				Help:      "Total number of deployment pipelines started",
			},
			[]string{"operation"},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployment pipelines finished",
			},
			[]string{"operation", "status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployment pipelines in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of individual pipeline phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "outcome"},
		),

		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of running pipelines",
			},
		),
		taskPanics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_panics_total",
				Help:      "Total number of pipeline tasks that panicked",
			},
		),

		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "fanout_subscribers",
				Help:      "Current number of live event subscribers",
			},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_events_published_total",
				Help:      "Total number of events delivered to subscribers",
			},
			[]string{"type"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_events_dropped_total",
				Help:      "Total number of events that could not be delivered",
			},
			[]string{"type"},
		),

		assumptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_assumptions_total",
				Help:      "Total number of role assumptions by outcome",
			},
			[]string{"outcome"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.phaseDuration,
		m.activeTasks,
		m.taskPanics,
		m.subscribers,
		m.eventsPublished,
		m.eventsDropped,
		m.assumptions,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Deployment metrics

// RecordDeploymentStarted increments the counter for started pipelines.
func (m *Metrics) RecordDeploymentStarted(operation string) {
	if m.deploymentsStarted == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(operation).Inc()
}

// RecordDeploymentCompleted records a finished pipeline with its status and duration.
func (m *Metrics) RecordDeploymentCompleted(operation, status string, duration time.Duration) {
	if m.deploymentsCompleted == nil {
		return
	}
	m.deploymentsCompleted.WithLabelValues(operation, status).Inc()
	m.deploymentDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordPhase records the duration of one pipeline phase.
func (m *Metrics) RecordPhase(phase, outcome string, duration time.Duration) {
	if m.phaseDuration == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, outcome).Observe(duration.Seconds())
}

// Scheduler metrics

// RecordTaskPanic counts a recovered task panic.
func (m *Metrics) RecordTaskPanic() {
	if m.taskPanics == nil {
		return
	}
	m.taskPanics.Inc()
}

// SetActiveTasks sets the current number of running pipelines.
func (m *Metrics) SetActiveTasks(count float64) {
	if m.activeTasks == nil {
		return
	}
	m.activeTasks.Set(count)
}

// Fan-out metrics

// SetSubscribers sets the current number of live subscribers.
func (m *Metrics) SetSubscribers(count float64) {
	if m.subscribers == nil {
		return
	}
	m.subscribers.Set(count)
}

// RecordEventPublished counts one delivered event.
func (m *Metrics) RecordEventPublished(eventType string) {
	if m.eventsPublished == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped counts one undeliverable event.
func (m *Metrics) RecordEventDropped(eventType string) {
	if m.eventsDropped == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

// Credential metrics

// RecordCredentialAssumption counts a role assumption by outcome.
func (m *Metrics) RecordCredentialAssumption(outcome string) {
	if m.assumptions == nil {
		return
	}
	m.assumptions.WithLabelValues(outcome).Inc()
}

// HTTP metrics

// RecordHTTPRequest records one served API request.
func (m *Metrics) RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Path returns the configured metrics path.
func (m *Metrics) Path() string {
	return m.config.Path
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}
