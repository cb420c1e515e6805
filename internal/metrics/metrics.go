package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the controller.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Queue metrics
	QueueSize      prometheus.Gauge
	QueueCapacity  prometheus.Gauge
	QueueEvictions prometheus.Counter

	// Backend metrics
	CommandsSent      prometheus.Counter
	CommandRoundTrip  prometheus.Histogram
	FramesReceived    *prometheus.CounterVec
	BackendReconnects prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		QueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "anroll_queue_size",
				Help: "Number of commands waiting to be sent to the backend",
			},
		),
		QueueCapacity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "anroll_queue_capacity",
				Help: "Current command queue capacity",
			},
		),
		QueueEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "anroll_queue_evictions_total",
				Help: "Total number of commands dropped because the queue was full",
			},
		),

		CommandsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "anroll_commands_sent_total",
				Help: "Total number of commands written to the backend",
			},
		),
		CommandRoundTrip: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "anroll_command_roundtrip_seconds",
				Help:    "Time between sending a command and the backend reporting it finished",
				Buckets: prometheus.DefBuckets,
			},
		),
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anroll_frames_received_total",
				Help: "Total number of image frames received from the backend",
			},
			[]string{"target"},
		),
		BackendReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "anroll_backend_reconnects_total",
				Help: "Total number of backend sessions that ended and were retried",
			},
		),
	}

	m.registry.MustRegister(
		m.QueueSize,
		m.QueueCapacity,
		m.QueueEvictions,
		m.CommandsSent,
		m.CommandRoundTrip,
		m.FramesReceived,
		m.BackendReconnects,
	)

	return m
}

// ObserveQueue records the current queue size and capacity plus any evictions.
func (m *Metrics) ObserveQueue(size, capacity, evicted int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
	m.QueueCapacity.Set(float64(capacity))
	if evicted > 0 {
		m.QueueEvictions.Add(float64(evicted))
	}
}

func (m *Metrics) CommandSent() {
	if m == nil {
		return
	}
	m.CommandsSent.Inc()
}

func (m *Metrics) RoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.CommandRoundTrip.Observe(d.Seconds())
}

func (m *Metrics) FrameReceived(target string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(target).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.BackendReconnects.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
