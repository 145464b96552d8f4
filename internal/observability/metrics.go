package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codepod",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	kernelSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "kernel",
			Name:      "spawns_total",
			Help:      "Kernel spawn attempts by language and outcome.",
		},
		[]string{"lang", "outcome"},
	)
	kernelSpawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codepod",
			Subsystem: "kernel",
			Name:      "spawn_duration_seconds",
			Help:      "Kernel spawn duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"lang", "outcome"},
	)
	decodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "kernel",
			Name:      "decode_failures_total",
			Help:      "Broadcast frames dropped because they failed to decode.",
		},
		[]string{"reason"},
	)
	routedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "router",
			Name:      "events_total",
			Help:      "Events routed to subscribers by topic.",
		},
		[]string{"topic"},
	)
	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "router",
			Name:      "dropped_events_total",
			Help:      "Events dropped before delivery by reason.",
		},
		[]string{"reason"},
	)
	containerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "container",
			Name:      "operations_total",
			Help:      "Container engine operations by verb and success.",
		},
		[]string{"op", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			kernelSpawns,
			kernelSpawnDuration,
			decodeFailures,
			routedEvents,
			droppedEvents,
			containerOps,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordKernelSpawn(lang, outcome string, duration time.Duration) {
	RegisterMetrics()
	kernelSpawns.WithLabelValues(lang, outcome).Inc()
	kernelSpawnDuration.WithLabelValues(lang, outcome).Observe(duration.Seconds())
}

func RecordDecodeFailure(reason string) {
	RegisterMetrics()
	decodeFailures.WithLabelValues(reason).Inc()
}

func RecordRoutedEvent(topic string) {
	RegisterMetrics()
	routedEvents.WithLabelValues(topic).Inc()
}

func RecordDroppedEvent(reason string) {
	RegisterMetrics()
	droppedEvents.WithLabelValues(reason).Inc()
}

func RecordContainerOp(op string, success bool) {
	RegisterMetrics()
	containerOps.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}
