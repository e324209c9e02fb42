package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus counters and gauges for the control-plane
// process: API traffic, managed stream counts, and frame-broker throughput.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	managedStreams         prometheus.Gauge
	activeStreams          prometheus.Gauge
	brokerConnections      prometheus.Gauge
	messagesForwardedTotal prometheus.Counter
	framesDroppedTotal     prometheus.Counter
}

// New creates and registers the control-plane metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vector_flow_api_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vector_flow_api_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	managedStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vector_flow_managed_streams_total",
		Help: "Total stream records managed by the control plane",
	})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vector_flow_active_streams_total",
		Help: "Number of currently active streams",
	})
	brokerConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vector_flow_broker_connections",
		Help: "Number of dashboard connections registered with the frame broker",
	})
	messagesForwardedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vector_flow_broker_messages_forwarded_total",
		Help: "Total messages forwarded to broker clients",
	})
	framesDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vector_flow_broker_frames_dropped_total",
		Help: "Total frame messages dropped by the broker's per-stream rate limit",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		managedStreams,
		activeStreams,
		brokerConnections,
		messagesForwardedTotal,
		framesDroppedTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		errorsTotal:            errorsTotal,
		managedStreams:         managedStreams,
		activeStreams:          activeStreams,
		brokerConnections:      brokerConnections,
		messagesForwardedTotal: messagesForwardedTotal,
		framesDroppedTotal:     framesDroppedTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetManagedStreams sets the managed streams gauge.
func (m *Metrics) SetManagedStreams(n int) {
	m.managedStreams.Set(float64(n))
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetBrokerConnections sets the registered broker connection gauge.
func (m *Metrics) SetBrokerConnections(n int) {
	m.brokerConnections.Set(float64(n))
}

// IncMessagesForwarded increments the forwarded message counter.
func (m *Metrics) IncMessagesForwarded() {
	m.messagesForwardedTotal.Inc()
}

// IncFramesDropped increments the rate-limited frame counter.
func (m *Metrics) IncFramesDropped() {
	m.framesDroppedTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
