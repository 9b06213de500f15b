// Package metrics holds the Prometheus collectors for depthbook.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "depthbook"

// Metrics contains every collector exported by the daemon. It satisfies
// host.Recorder, so sessions and hosts report through it directly.
type Metrics struct {
	// Feed session traffic
	PacketsTotal        *prometheus.CounterVec
	PacketsIgnored      *prometheus.CounterVec
	SnapshotsEmitted    prometheus.Counter
	SnapshotsSuppressed prometheus.Counter
	BookLevels          *prometheus.GaugeVec

	// Host lifecycle
	HostEvents     *prometheus.CounterVec
	SessionsActive prometheus.Gauge

	// Sinks and surfaces
	BroadcastDropped prometheus.Counter
	RedisWrites      *prometheus.CounterVec
	GRPCStreams      prometheus.Gauge
	HTTPDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		PacketsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "packets_total",
			Help:      "Feed packets accepted, by kind.",
		}, []string{"kind"}),

		PacketsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "packets_ignored_total",
			Help:      "Feed packets dropped without effect, by reason.",
		}, []string{"reason"}),

		SnapshotsEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "snapshots_emitted_total",
			Help:      "Book snapshots handed to the consumer.",
		}),

		SnapshotsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "snapshots_suppressed_total",
			Help:      "Deltas applied without an emission because of the throttle.",
		}),

		BookLevels: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "levels",
			Help:      "Price levels in the last emitted snapshot, by side.",
		}, []string{"side"}),

		HostEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "events_total",
			Help:      "Events emitted by hosts, by type.",
		}, []string{"type"}),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "sessions_active",
			Help:      "Feed sessions currently alive.",
		}),

		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Events dropped for slow subscribers.",
		}),

		RedisWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "writes_total",
			Help:      "Top-of-book writes, by result.",
		}, []string{"result"}),

		GRPCStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "streams_active",
			Help:      "Open BookService session streams.",
		}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by route and status.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) PacketReceived(kind string) {
	m.PacketsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) PacketIgnored(reason string) {
	m.PacketsIgnored.WithLabelValues(reason).Inc()
}

func (m *Metrics) SnapshotEmitted(bidLevels, askLevels int) {
	m.SnapshotsEmitted.Inc()
	m.BookLevels.WithLabelValues("bid").Set(float64(bidLevels))
	m.BookLevels.WithLabelValues("ask").Set(float64(askLevels))
}

func (m *Metrics) SnapshotSuppressed() {
	m.SnapshotsSuppressed.Inc()
}

func (m *Metrics) EventEmitted(eventType string) {
	m.HostEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SessionOpened() {
	m.SessionsActive.Inc()
}

// SessionClosed also clears the depth gauges since the book is discarded.
func (m *Metrics) SessionClosed() {
	m.SessionsActive.Dec()
	m.BookLevels.Reset()
}

// RecordDrop counts an event a slow subscriber did not receive.
func (m *Metrics) RecordDrop() {
	m.BroadcastDropped.Inc()
}

// RecordRedisWrite counts a sink write; result is "written", "skipped" or
// "error".
func (m *Metrics) RecordRedisWrite(result string) {
	m.RedisWrites.WithLabelValues(result).Inc()
}
