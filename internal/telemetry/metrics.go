// Package telemetry registers the Prometheus metrics fanoutsinkd exposes
// at /metrics, the same counter/gauge/histogram vocabulary ws/metrics.go
// uses for its connection and broadcast metrics, renamed to this sink's
// client/buffer domain.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClientsAdded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_clients_added_total",
		Help: "Total number of clients registered with the sink",
	})

	ClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_clients_active",
		Help: "Current number of registered clients",
	})

	ClientsRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_clients_removed_total",
		Help: "Total client removals by terminal status",
	}, []string{"status"})

	BuffersRendered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_buffers_rendered_total",
		Help: "Total non-header buffers accepted by render",
	})

	BytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_bytes_served_total",
		Help: "Total bytes written across all clients",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_queue_depth",
		Help: "Current number of buffers retained in the shared queue",
	})

	MaxBufferUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_max_buffer_usage",
		Help: "Highest queue index retained after the last render (client positions extended by minimum and keyframe retention)",
	})

	DroppedBuffersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_dropped_buffers_total",
		Help: "Total buffers a client was forced to skip by soft-limit recovery",
	})

	SlowClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_slow_clients_total",
		Help: "Total clients disconnected for crossing the hard retention limit or timing out",
	})

	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_notifications_dropped_total",
		Help: "Total client lifecycle notifications dropped because the channel was full",
	})

	ProducerMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_producer_messages_received_total",
		Help: "Total payloads received from the NATS producer subscription",
	})

	ProducerErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_producer_errors_total",
		Help: "Total producer-side errors by type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ClientsAdded,
		ClientsActive,
		ClientsRemoved,
		BuffersRendered,
		BytesServed,
		QueueDepth,
		MaxBufferUsage,
		DroppedBuffersTotal,
		SlowClientsTotal,
		NotificationsDropped,
		ProducerMessagesReceived,
		ProducerErrorsTotal,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewGauge registers and returns a single-value gauge, for packages (like
// sysmon) that need a metric this registry doesn't predeclare.
func NewGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	prometheus.MustRegister(g)
	return g
}
