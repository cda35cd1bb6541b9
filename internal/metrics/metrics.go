// Package metrics exposes agent counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/protocol"
)

const namespace = "simagent"

// Metrics holds the agent's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobs           *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	decodeFailures *prometheus.CounterVec
	connections    prometheus.Gauge
	messages       *prometheus.CounterVec
}

// New registers the agent collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished simulation jobs by engine and terminal status.",
		}, []string{"engine", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of simulation jobs.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"engine"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_decode_failures_total",
			Help:      "Raw result files that could not be decoded.",
		}, []string{"engine"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Inbound WebSocket messages by type.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.jobs, m.jobDuration, m.decodeFailures, m.connections, m.messages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// JobFinished records a terminal job.
func (m *Metrics) JobFinished(engine domain.EngineKind, status domain.JobStatus, elapsed time.Duration) {
	label := string(engine)
	if label == "" {
		label = "none"
	}
	m.jobs.WithLabelValues(label, string(status)).Inc()
	if status != domain.JobRejected {
		m.jobDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	}
}

// DecodeFailed counts a raw file that could not be decoded.
func (m *Metrics) DecodeFailed(engine domain.EngineKind) {
	m.decodeFailures.WithLabelValues(string(engine)).Inc()
}

// ConnectionOpened increments the connection gauge.
func (m *Metrics) ConnectionOpened() { m.connections.Inc() }

// ConnectionClosed decrements the connection gauge.
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

// MessageReceived counts an inbound message by its type. Types outside the
// request set are counted as "unknown".
func (m *Metrics) MessageReceived(msgType string) {
	switch msgType {
	case protocol.TypeHandshake, protocol.TypeSimulate, protocol.TypeCancel, protocol.TypePing:
	default:
		msgType = protocol.TypeUnknown
	}
	m.messages.WithLabelValues(msgType).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
