package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service gateway.
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	callsTotal         *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	callRetries        *prometheus.CounterVec
	connections        prometheus.Gauge
	registryOps        *prometheus.CounterVec
	heartbeatsTotal    *prometheus.CounterVec
	registrationsTotal *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	discoveredServices prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "svcgw"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Total number of gateway RPC calls by final status code",
		},
		[]string{"service", "method", "code"},
	)

	m.callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "Gateway RPC call duration including retries",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"service", "method"},
	)

	m.callRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_call_retries_total",
			Help:      "Total number of RPC attempts retried after a transient failure",
		},
		[]string{"service", "method"},
	)

	m.connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_connections",
			Help:      "Number of cached gRPC client connections",
		},
	)

	m.registryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_operations_total",
			Help:      "Total number of registry store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	m.heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeat actions by outcome",
		},
		[]string{"kind", "service", "status"},
	)

	m.registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_registrations_total",
			Help:      "Total number of API gateway route registrations by outcome",
		},
		[]string{"kind", "service", "status"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per service (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	m.discoveredServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_services",
			Help:      "Number of services registered by the last discovery run",
		},
	)

	m.registry.MustRegister(
		m.callsTotal,
		m.callDuration,
		m.callRetries,
		m.connections,
		m.registryOps,
		m.heartbeatsTotal,
		m.registrationsTotal,
		m.breakerState,
		m.discoveredServices,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCall records the outcome of a gateway call.
func (m *Metrics) RecordCall(service, method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(service, method, code).Inc()
	m.callDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

// RecordRetry records a retried attempt.
func (m *Metrics) RecordRetry(service, method string) {
	if m == nil {
		return
	}
	m.callRetries.WithLabelValues(service, method).Inc()
}

// SetConnections sets the number of cached connections.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// RecordRegistryOp records a registry store operation.
func (m *Metrics) RecordRegistryOp(backend, operation string, err error) {
	if m == nil {
		return
	}
	m.registryOps.WithLabelValues(backend, operation, statusLabel(err == nil)).Inc()
}

// RecordHeartbeat records a heartbeat action.
func (m *Metrics) RecordHeartbeat(kind, service string, err error) {
	if m == nil {
		return
	}
	m.heartbeatsTotal.WithLabelValues(kind, service, statusLabel(err == nil)).Inc()
}

// RecordRegistration records a route registration attempt.
func (m *Metrics) RecordRegistration(kind, service string, ok bool) {
	if m == nil {
		return
	}
	m.registrationsTotal.WithLabelValues(kind, service, statusLabel(ok)).Inc()
}

// SetBreakerState records the circuit breaker state of a service.
func (m *Metrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(state))
}

// SetDiscoveredServices records the size of the last discovery run.
func (m *Metrics) SetDiscoveredServices(n int) {
	if m == nil {
		return
	}
	m.discoveredServices.Set(float64(n))
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
