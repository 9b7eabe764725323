package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayMetrics is what the bundler pool and the relay pipeline report into.
type RelayMetrics interface {
	// IncEndpointAttempt counts one JSON-RPC attempt against a bundler endpoint.
	// outcome is "ok", "rejected" or "transient".
	IncEndpointAttempt(endpoint, method, outcome string)
	IncFailover(endpoint string)
	IncPoolExhausted(method string)

	// IncOperation counts a finished pipeline run. path is "bundler" or "direct", stage is
	// the failing stage or "done".
	IncOperation(path, stage string)
	ObserveReceiptWait(outcome string, seconds float64)
}

// RelayMetricsCollector contains the instrumented metrics for the relay pipeline
type RelayMetricsCollector struct {
	endpointAttempts *prometheus.CounterVec
	failovers        *prometheus.CounterVec
	poolExhausted    *prometheus.CounterVec
	operations       *prometheus.CounterVec
	receiptWait      *prometheus.HistogramVec
}

const apNamespace = "ap"

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetricsCollector {
	return &RelayMetricsCollector{
		endpointAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundler_endpoint_attempts_total",
				Help:      "The number of JSON-RPC attempts made against each bundler endpoint",
			}, []string{"endpoint", "method", "outcome"}),

		failovers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundler_failover_total",
				Help:      "The number of times the pool moved away from an endpoint after a failure",
			}, []string{"endpoint"}),

		poolExhausted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundler_pool_exhausted_total",
				Help:      "The number of logical calls where every bundler endpoint failed",
			}, []string{"method"}),

		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userop_pipeline_total",
				Help:      "The number of pipeline runs by delivery path and final stage",
			}, []string{"path", "stage"}),

		receiptWait: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "userop_receipt_wait_seconds",
				Help:      "Time spent polling for a UserOperation receipt",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"outcome"}),
	}
}

func (m *RelayMetricsCollector) IncEndpointAttempt(endpoint, method, outcome string) {
	m.endpointAttempts.WithLabelValues(endpoint, method, outcome).Inc()
}

func (m *RelayMetricsCollector) IncFailover(endpoint string) {
	m.failovers.WithLabelValues(endpoint).Inc()
}

func (m *RelayMetricsCollector) IncPoolExhausted(method string) {
	m.poolExhausted.WithLabelValues(method).Inc()
}

func (m *RelayMetricsCollector) IncOperation(path, stage string) {
	m.operations.WithLabelValues(path, stage).Inc()
}

func (m *RelayMetricsCollector) ObserveReceiptWait(outcome string, seconds float64) {
	m.receiptWait.WithLabelValues(outcome).Observe(seconds)
}

type noopRelayMetrics struct{}

func NewNoopRelayMetrics() RelayMetrics { return noopRelayMetrics{} }

func (noopRelayMetrics) IncEndpointAttempt(string, string, string) {}
func (noopRelayMetrics) IncFailover(string)                        {}
func (noopRelayMetrics) IncPoolExhausted(string)                   {}
func (noopRelayMetrics) IncOperation(string, string)               {}
func (noopRelayMetrics) ObserveReceiptWait(string, float64)        {}

// EnsureMetrics returns m, or a no-op implementation when m is nil.
func EnsureMetrics(m RelayMetrics) RelayMetrics {
	if m == nil {
		return NewNoopRelayMetrics()
	}
	return m
}
