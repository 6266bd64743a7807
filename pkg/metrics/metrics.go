// Package metrics provides the Prometheus registry for the gateway: request
// counters/histograms on the proxy surface, and per-credential health/circuit
// gauges fed by the Key Manager.
//
// Metrics follow the naming convention <namespace>_<subsystem>_<name>_<unit>,
// e.g. aigateway_proxy_requests_total.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arlojensen/aigateway/internal/keypool"
)

const defaultNamespace = "aigateway"

// Registry is the process-wide Prometheus metrics surface.
type Registry struct {
	namespace string
	registry  *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	CredentialHealth   *prometheus.GaugeVec
	CredentialState    *prometheus.GaugeVec
	CredentialRequests *prometheus.CounterVec
	CredentialLatency  *prometheus.HistogramVec
	StoreDemoted       prometheus.Gauge
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton Registry, built once on
// first access.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(defaultNamespace)
	})
	return defaultRegistry
}

// NewRegistry builds a fresh, independently-registered Registry. Most
// callers want DefaultRegistry; NewRegistry exists for tests that need
// isolation.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = defaultNamespace
	}
	reg := prometheus.NewRegistry()

	r := &Registry{
		namespace: namespace,
		registry:  reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total proxy requests by endpoint, method, status and result.",
		}, []string{"endpoint", "method", "status", "result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Proxy request duration by endpoint and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "active_requests",
			Help:      "Number of proxy requests currently in flight.",
		}),
		CredentialHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keypool",
			Name:      "credential_health_score",
			Help:      "Derived health score in [0,1] per credential.",
		}, []string{"credential_id"}),
		CredentialState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keypool",
			Name:      "credential_circuit_state",
			Help:      "Circuit breaker state per credential (0=closed,1=open,2=half_open).",
		}, []string{"credential_id"}),
		CredentialRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keypool",
			Name:      "credential_requests_total",
			Help:      "Upstream calls per credential, labeled by outcome.",
		}, []string{"credential_id", "outcome"}),
		CredentialLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keypool",
			Name:      "credential_request_duration_milliseconds",
			Help:      "Upstream call latency per credential.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"credential_id"}),
		StoreDemoted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "demoted",
			Help:      "1 if the resilient store has failed over to the fallback backend.",
		}),
	}

	reg.MustRegister(
		r.RequestsTotal,
		r.RequestDuration,
		r.ActiveRequests,
		r.CredentialHealth,
		r.CredentialState,
		r.CredentialRequests,
		r.CredentialLatency,
		r.StoreDemoted,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for the admin scrape
// handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// ObserveRequestHTTP records one completed proxy request.
func (r *Registry) ObserveRequestHTTP(endpoint, method, status, result string, durationSeconds float64) {
	r.RequestsTotal.WithLabelValues(endpoint, method, status, result).Inc()
	r.RequestDuration.WithLabelValues(endpoint, method).Observe(durationSeconds)
}

// IncActiveRequests/DecActiveRequests bracket a handler's execution,
// incrementing the gauge on entry and decrementing on exit.
func (r *Registry) IncActiveRequests() { r.ActiveRequests.Inc() }
func (r *Registry) DecActiveRequests() { r.ActiveRequests.Dec() }

// ObserveRequest, SetHealthScore and SetCircuitState implement
// keypool.MetricsSink, letting the Key Manager emit metrics without this
// package's types leaking into keypool.
func (r *Registry) ObserveRequest(rm keypool.RequestMetric) {
	outcome := "success"
	if rm.ErrorCount > 0 {
		outcome = "error"
	}
	r.CredentialRequests.WithLabelValues(rm.CredentialID, outcome).Inc()
	r.CredentialLatency.WithLabelValues(rm.CredentialID).Observe(rm.LatencyMs)
}

func (r *Registry) SetHealthScore(credentialID string, score float64) {
	r.CredentialHealth.WithLabelValues(credentialID).Set(score)
}

func (r *Registry) SetCircuitState(credentialID string, state keypool.CircuitState) {
	r.CredentialState.WithLabelValues(credentialID).Set(float64(state))
}

var _ keypool.MetricsSink = (*Registry)(nil)

// SetStoreDemoted reflects whether the Resilient Store has permanently
// failed over.
func (r *Registry) SetStoreDemoted(demoted bool) {
	if demoted {
		r.StoreDemoted.Set(1)
		return
	}
	r.StoreDemoted.Set(0)
}
