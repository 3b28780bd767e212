// Package metrics exposes Prometheus collectors for the security pipeline.
// All methods are safe on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency buckets in milliseconds.
var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

type Metrics struct {
	registry *prometheus.Registry

	validations       *prometheus.CounterVec
	validationLatency prometheus.Histogram
	budgetExceeded    prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	semanticChecks    *prometheus.CounterVec
	toolDecisions     *prometheus.CounterVec
	sanitizations     *prometheus.CounterVec
	routes            *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_validations_total",
			Help: "Input validations by outcome",
		}, []string{"outcome"}),
		validationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_validation_latency_ms",
			Help:    "Time spent in synchronous input validation",
			Buckets: latencyBuckets,
		}),
		budgetExceeded: f.NewCounter(prometheus.CounterOpts{
			Name: "warden_validation_budget_exceeded_total",
			Help: "Validations that ran longer than max_validation_time_ms",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_validation_cache_lookups_total",
			Help: "Validation cache lookups by result",
		}, []string{"result"}),
		semanticChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_semantic_checks_total",
			Help: "Secondary semantic checks by result",
		}, []string{"result"}),
		toolDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tool_access_total",
			Help: "Capability gate decisions",
		}, []string{"tool", "decision"}),
		sanitizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sanitizer_actions_total",
			Help: "Output sanitizer replacements by action",
		}, []string{"action"}),
		routes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_routes_total",
			Help: "Requests by routing tier",
		}, []string{"tier"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveValidation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
	m.validationLatency.Observe(float64(elapsed.Microseconds()) / 1000)
}

func (m *Metrics) BudgetExceeded() {
	if m == nil {
		return
	}
	m.budgetExceeded.Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) SemanticCheck(result string) {
	if m == nil {
		return
	}
	m.semanticChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) ToolDecision(tool string, allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.toolDecisions.WithLabelValues(tool, decision).Inc()
}

func (m *Metrics) SanitizerAction(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sanitizations.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) Route(tier string) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(tier).Inc()
}

func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, http.StatusText(status)).Inc()
}
