package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpmd"

// Persistence outcomes
const (
	PersistWritten   = "written"
	PersistFailed    = "failed"
	PersistDropped   = "dropped"
	PersistThrottled = "throttled"
)

// Pool acquire failure reasons
const (
	AcquireExhausted   = "exhausted"
	AcquireDialFailed  = "dial_failed"
	AcquireBreakerOpen = "breaker_open"
	AcquirePoolClosed  = "closed"
)

// Metrics holds the ingestion collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and tools free of registry setup.
type Metrics struct {
	FramesReceived  prometheus.Counter
	FramesRejected  prometheus.Counter
	PersistOutcomes *prometheus.CounterVec
	PersistLatency  prometheus.Histogram
	PoolInUse       prometheus.Gauge
	PoolAcquireFail *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Machine ids come from request paths, so they are not labels.
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from machine streams and HTTP ingest.",
		}),
		FramesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Payloads that could not be decoded as a frame.",
		}),
		PersistOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_frames_total",
			Help:      "Frames seen by the persistence path, by outcome.",
		}, []string{"result"}),
		PersistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_write_seconds",
			Help:      "Duration of a frame write including connection acquire.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		PoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections_in_use",
			Help:      "Storage connections currently borrowed from the pool.",
		}),
		PoolAcquireFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquire_failures_total",
			Help:      "Failed connection acquisitions, by reason.",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions_active",
			Help:      "Open machine stream sessions.",
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_session_events_total",
			Help:      "Stream session lifecycle events.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.FramesReceived,
		m.FramesRejected,
		m.PersistOutcomes,
		m.PersistLatency,
		m.PoolInUse,
		m.PoolAcquireFail,
		m.SessionsActive,
		m.SessionEvents,
	)

	return m
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) FrameRejected() {
	if m == nil {
		return
	}
	m.FramesRejected.Inc()
}

func (m *Metrics) Persist(result string) {
	if m == nil {
		return
	}
	m.PersistOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveWrite(d time.Duration) {
	if m == nil {
		return
	}
	m.PersistLatency.Observe(d.Seconds())
}

func (m *Metrics) SetPoolInUse(n int) {
	if m == nil {
		return
	}
	m.PoolInUse.Set(float64(n))
}

func (m *Metrics) AcquireFailed(reason string) {
	if m == nil {
		return
	}
	m.PoolAcquireFail.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) SessionReplaced() {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues("replaced").Inc()
}
