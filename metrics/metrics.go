// Package metrics exposes Prometheus instrumentation for the webhook
// service. A Collector satisfies the recorder interfaces of the webhook,
// billing, risk and scheduler packages.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/billing-webhooks/middleware"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace   string `yaml:"namespace" json:"namespace"`
	Subsystem   string `yaml:"subsystem" json:"subsystem"`
	MetricsPath string `yaml:"path" json:"path"`
	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool `yaml:"runtime_metrics" json:"runtimeMetrics"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:      "billing",
		MetricsPath:    "/metrics",
		RuntimeMetrics: true,
	}
}

// Collector wraps the service's Prometheus metrics on a private registry.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	WebhookRequests     *prometheus.CounterVec
	EventDispatches     *prometheus.CounterVec
	DispatchDuration    *prometheus.HistogramVec
	Transitions         *prometheus.CounterVec
	RiskAssessments     *prometheus.CounterVec
	TaskExecutions      *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	BreakerCalls        *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with its own registry.
func New(cfg Config) *Collector {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultConfig().MetricsPath
	}
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		config:   cfg,
		registry: reg,
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "webhook_requests_total",
			Help: "Inbound webhook requests by result",
		}, []string{"result"}),
		EventDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "event_dispatches_total",
			Help: "Event handler runs by event type and result",
		}, []string{"event_type", "result"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "event_dispatch_duration_seconds",
			Help:    "Duration of event handler runs in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "state_transitions_total",
			Help: "Subscription state transitions by event type and outcome",
		}, []string{"event_type", "outcome"}),
		RiskAssessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "risk_assessments_total",
			Help: "Payment risk assessments by level and outcome",
		}, []string{"level", "outcome", "passed"}),
		TaskExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "task_executions_total",
			Help: "Scheduled task attempts by kind and status",
		}, []string{"kind", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "task_duration_seconds",
			Help:    "Duration of scheduled task attempts in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		BreakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "breaker_calls_total",
			Help: "Calls through a circuit breaker by breaker and result",
		}, []string{"breaker", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "breaker_state",
			Help: "1 for the current state of each circuit breaker, 0 otherwise",
		}, []string{"breaker", "state"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		c.WebhookRequests,
		c.EventDispatches,
		c.DispatchDuration,
		c.Transitions,
		c.RiskAssessments,
		c.TaskExecutions,
		c.TaskDuration,
		c.BreakerCalls,
		c.BreakerState,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
	)
	if cfg.RuntimeMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// MetricsPath returns the configured metrics endpoint path.
func (c *Collector) MetricsPath() string { return c.config.MetricsPath }

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts an inbound webhook request.
func (c *Collector) ObserveRequest(result string) {
	c.WebhookRequests.WithLabelValues(result).Inc()
}

// ObserveDispatch records one event handler run.
func (c *Collector) ObserveDispatch(eventType, result string, elapsed time.Duration) {
	c.EventDispatches.WithLabelValues(eventType, result).Inc()
	if elapsed > 0 {
		c.DispatchDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	}
}

// ObserveTransition counts a state machine outcome.
func (c *Collector) ObserveTransition(eventType, outcome string) {
	c.Transitions.WithLabelValues(eventType, outcome).Inc()
}

// ObserveAssessment counts a finished risk assessment.
func (c *Collector) ObserveAssessment(level, outcome string, passed bool) {
	c.RiskAssessments.WithLabelValues(level, outcome, strconv.FormatBool(passed)).Inc()
}

// ObserveTask records one scheduled task attempt.
func (c *Collector) ObserveTask(kind, status string, elapsed time.Duration) {
	c.TaskExecutions.WithLabelValues(kind, status).Inc()
	c.TaskDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveBreakerCall counts one call through the named breaker.
func (c *Collector) ObserveBreakerCall(name, result string) {
	c.BreakerCalls.WithLabelValues(name, result).Inc()
}

// ObserveBreakerState marks state as the only active state of the named
// breaker.
func (c *Collector) ObserveBreakerState(name, state string) {
	for _, s := range []middleware.CircuitState{middleware.CircuitClosed, middleware.CircuitOpen, middleware.CircuitHalfOpen} {
		v := 0.0
		if s.String() == state {
			v = 1
		}
		c.BreakerState.WithLabelValues(name, s.String()).Set(v)
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Middleware records request counts and latency per route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
