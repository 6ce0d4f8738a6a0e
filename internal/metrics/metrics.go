// Package metrics exposes relay and telemetry counters in Prometheus format.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one relay-server process.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	ingestBytes     prometheus.Counter
	purges          *prometheus.CounterVec

	workerFPS     prometheus.Gauge
	workerBitrate prometheus.Gauge
	workerDropped prometheus.Gauge

	subscribers *prometheus.GaugeVec
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec

	probePackets *prometheus.CounterVec
	probeRTT     prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_started_total",
			Help: "Stream sessions started, by outcome of the worker spawn",
		}, []string{"result"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sessions_ended_total",
			Help: "Stream sessions ended, by reason",
		}, []string{"reason"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_session_active",
			Help: "1 while a stream session is active",
		}),
		ingestBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_ingest_bytes_total",
			Help: "Bytes copied from the ingest socket to the worker",
		}),
		purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_store_purges_total",
			Help: "Segment store purges, by result",
		}, []string{"result"}),

		workerFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_worker_fps",
			Help: "Last frame rate reported by the worker",
		}),
		workerBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_worker_bitrate_kbps",
			Help: "Last output bitrate reported by the worker",
		}),
		workerDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_worker_dropped_frames",
			Help: "Dropped frames reported by the worker for the current session",
		}),

		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_subscribers",
			Help: "Connected push channel subscribers, by stream",
		}, []string{"stream"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_messages_published_total",
			Help: "Messages enqueued to subscribers, by stream",
		}, []string{"stream"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_messages_dropped_total",
			Help: "Messages dropped because a subscriber queue was full, by stream",
		}, []string{"stream"}),

		probePackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probe_packets_total",
			Help: "Probe packets by classification",
		}, []string{"status"}),
		probeRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "probe_rtt_seconds",
			Help:    "Round-trip time of echoed probe packets",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests handled, by method, route and status class",
		}, []string{"method", "route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency, by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted,
		m.sessionsEnded,
		m.sessionActive,
		m.ingestBytes,
		m.purges,
		m.workerFPS,
		m.workerBitrate,
		m.workerDropped,
		m.subscribers,
		m.published,
		m.dropped,
		m.probePackets,
		m.probeRTT,
		m.httpRequests,
		m.httpLatency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.sessionsStarted.WithLabelValues("ok").Inc()
		m.sessionActive.Set(1)
		m.workerDropped.Set(0)
		return
	}
	m.sessionsStarted.WithLabelValues("spawn_failed").Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(reason).Inc()
	m.sessionActive.Set(0)
	m.workerFPS.Set(0)
	m.workerBitrate.Set(0)
}

func (m *Metrics) AddIngestBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestBytes.Add(float64(n))
}

func (m *Metrics) StorePurged(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.purges.WithLabelValues("error").Inc()
		return
	}
	m.purges.WithLabelValues("ok").Inc()
}

// WorkerProgress records the latest progress figures of the worker.
func (m *Metrics) WorkerProgress(fps, bitrateKbps float64, dropped int64) {
	if m == nil {
		return
	}
	m.workerFPS.Set(fps)
	m.workerBitrate.Set(bitrateKbps)
	m.workerDropped.Set(float64(dropped))
}

func (m *Metrics) SetSubscribers(stream string, n int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(stream).Set(float64(n))
}

func (m *Metrics) Published(stream string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.published.WithLabelValues(stream).Add(float64(n))
}

func (m *Metrics) Dropped(stream string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(stream).Inc()
}

// ProbePacket counts one classified probe packet. rttSeconds is ignored when
// negative (never echoed).
func (m *Metrics) ProbePacket(status string, rttSeconds float64) {
	if m == nil {
		return
	}
	m.probePackets.WithLabelValues(status).Inc()
	if rttSeconds >= 0 {
		m.probeRTT.Observe(rttSeconds)
	}
}

// ObserveRequest records one handled HTTP request. Status codes are bucketed
// into classes ("2xx", "4xx") to bound label cardinality.
func (m *Metrics) ObserveRequest(method, route string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status/100) + "xx"
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	m.httpLatency.WithLabelValues(route).Observe(latency.Seconds())
}
