// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for backend latency. Dev servers compile pages on
// first hit, so the tail reaches well past typical API latencies.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Fallback reasons used as label values.
const (
	ReasonBackendUnavailable = "backend_unavailable"
	ReasonForwardError       = "forward_error"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec
	BackendUp        prometheus.Gauge

	FallbackResponses *prometheus.CounterVec

	adminPrefix string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// adminPrefix is the reserved route prefix; requests under it get their own path label.
func New(adminPrefix string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry:    reg,
		adminPrefix: adminPrefix,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devproxy_backend_request_duration_seconds",
			Help:    "Backend call latency in seconds, up to response headers.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devproxy_backend_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		BackendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devproxy_backend_up",
			Help: "1 when the supervised backend accepts connections, 0 otherwise.",
		}),

		FallbackResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devproxy_fallback_responses_total",
			Help: "Placeholder pages served instead of a backend response.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.BackendUp,
		m.FallbackResponses,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes are the Next.js path families worth telling apart.
var knownPrefixes = []string{"/_next", "/api"}

// PathLabel returns a bounded path label for Prometheus metrics.
func (m *Metrics) PathLabel(path string) string {
	if m.adminPrefix != "" && hasPrefix(path, m.adminPrefix) {
		return "admin"
	}
	if path == "" || path == "/" {
		return "/"
	}
	for _, prefix := range knownPrefixes {
		if hasPrefix(path, prefix) {
			return prefix
		}
	}
	return "other"
}

func hasPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?")
}
