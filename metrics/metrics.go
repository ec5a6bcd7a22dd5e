package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  *prometheus.CounterVec
	readingsProduced  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	jobsEnqueued      *prometheus.CounterVec
	enqueueFailures   prometheus.Counter
	reconnectAttempts *prometheus.CounterVec
	endpointStates    *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_received_total",
			Help: "Inbound messages by transport.",
		}, []string{"transport"}),
		readingsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_readings_total",
			Help: "Canonical readings produced, split by whether the key was recognized.",
		}, []string{"recognized"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_dropped_total",
			Help: "Messages dropped before enqueue by reason.",
		}, []string{"reason"}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_jobs_enqueued_total",
			Help: "Processing jobs enqueued by queue.",
		}, []string{"queue"}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_enqueue_failures_total",
			Help: "Enqueue calls rejected by the queue backend.",
		}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_reconnect_attempts_total",
			Help: "MQTT reconnect attempts by broker profile.",
		}, []string{"profile"}),
		endpointStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_endpoints",
			Help: "MQTT endpoints by connection state.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesReceived,
		m.readingsProduced,
		m.messagesDropped,
		m.jobsEnqueued,
		m.enqueueFailures,
		m.reconnectAttempts,
		m.endpointStates,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageReceived(transport string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(transport).Inc()
}

func (m *Metrics) ReadingProduced(recognized bool) {
	if m == nil {
		return
	}
	label := "true"
	if !recognized {
		label = "false"
	}
	m.readingsProduced.WithLabelValues(label).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) JobEnqueued(queue string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) EnqueueFailed() {
	if m == nil {
		return
	}
	m.enqueueFailures.Inc()
}

func (m *Metrics) ReconnectAttempt(profile string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(profile).Inc()
}

// StateChanged moves one endpoint between state gauges. An empty from
// only increments, an empty to only decrements.
func (m *Metrics) StateChanged(from, to string) {
	if m == nil || from == to {
		return
	}
	if from != "" {
		m.endpointStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.endpointStates.WithLabelValues(to).Inc()
	}
}
