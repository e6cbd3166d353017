// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/plexbridge/internal/epg"
	"github.com/snapetech/plexbridge/internal/resolver"
	"github.com/snapetech/plexbridge/internal/session"
	"github.com/snapetech/plexbridge/internal/store"
	"github.com/snapetech/plexbridge/internal/transcoder"
)

const namespace = "plexbridge"

// Metrics holds every collector. It implements transcoder.Observer,
// resolver.Observer and epg.Observer.
type Metrics struct {
	reg *prometheus.Registry

	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	Rejections      *prometheus.CounterVec
	BytesServed     prometheus.Counter
	PaddingPackets  prometheus.Counter
	FirstByte       prometheus.Histogram

	WorkersStarted *prometheus.CounterVec
	WorkersExited  *prometheus.CounterVec
	WorkerRuntime  prometheus.Histogram

	ResolveTotal    *prometheus.CounterVec
	ResolveDuration prometheus.Histogram

	EPGRefreshes    *prometheus.CounterVec
	EPGPrograms     *prometheus.GaugeVec
	EPGLastDuration *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "started_total",
			Help: "Sessions admitted, by client kind.",
		}, []string{"client"}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "ended_total",
			Help: "Sessions ended, by reason.",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "session", Name: "duration_seconds",
			Help:    "Lifetime of ended sessions.",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "rejected_total",
			Help: "Admission rejections, by reason.",
		}, []string{"reason"}),
		BytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "bytes_total",
			Help: "MPEG-TS bytes written to clients.",
		}),
		PaddingPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "padding_packets_total",
			Help: "Null TS packets written while waiting for worker output.",
		}),
		FirstByte: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stream", Name: "first_byte_seconds",
			Help:    "Time from admission to the first worker byte.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		WorkersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "started_total",
			Help: "Transcoder workers spawned, by profile and mode.",
		}, []string{"profile", "mode"}),
		WorkersExited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "exited_total",
			Help: "Transcoder worker exits, by failure kind.",
		}, []string{"profile", "kind"}),
		WorkerRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "runtime_seconds",
			Help:    "Worker lifetime.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "resolutions_total",
			Help: "Upstream resolutions, by playlist kind and outcome.",
		}, []string{"kind", "outcome"}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "resolver", Name: "duration_seconds",
			Help:    "Uncached resolution latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		EPGRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "epg", Name: "refreshes_total",
			Help: "EPG source refreshes, by outcome.",
		}, []string{"source", "outcome"}),
		EPGPrograms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "epg", Name: "ingested_programs",
			Help: "Programs written by the last successful refresh.",
		}, []string{"source"}),
		EPGLastDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "epg", Name: "refresh_seconds",
			Help: "Duration of the last refresh.",
		}, []string{"source"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsStarted, m.SessionsEnded, m.SessionDuration, m.Rejections,
		m.BytesServed, m.PaddingPackets, m.FirstByte,
		m.WorkersStarted, m.WorkersExited, m.WorkerRuntime,
		m.ResolveTotal, m.ResolveDuration,
		m.EPGRefreshes, m.EPGPrograms, m.EPGLastDuration,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterCapacity exports tuner budget gauges read from fn on scrape.
func (m *Metrics) RegisterCapacity(fn func() session.Capacity) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tuner", Name: "total",
			Help: "Configured tuner count.",
		}, func() float64 { return float64(fn().Total) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tuner", Name: "in_use",
			Help: "Tuners held by connecting or streaming sessions.",
		}, func() float64 { return float64(fn().InUse) }),
	)
}

// RegisterWorkers exports the live worker count read from fn on scrape.
func (m *Metrics) RegisterWorkers(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "worker", Name: "active",
		Help: "Running transcoder workers.",
	}, func() float64 { return float64(fn()) }))
}

// WatchSessions consumes lifecycle events until ctx ends or events closes.
func (m *Metrics) WatchSessions(ctx context.Context, events <-chan session.Event, classify func(ua string) store.ClientKind) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.observeSession(ev, classify)
		}
	}
}

func (m *Metrics) observeSession(ev session.Event, classify func(string) store.ClientKind) {
	switch ev.Type {
	case session.EventStarted:
		kind := store.ClientWeb
		if classify != nil {
			kind = classify(ev.Session.UserAgent)
		}
		m.SessionsStarted.WithLabelValues(string(kind)).Inc()
	case session.EventEnded:
		reason := ev.Session.EndReason
		if reason == "" {
			reason = "unknown"
		}
		m.SessionsEnded.WithLabelValues(reason).Inc()
		if !ev.Session.EndedAt.IsZero() {
			m.SessionDuration.Observe(ev.Session.EndedAt.Sub(ev.Session.StartedAt).Seconds())
		}
	}
}

// Rejected counts an admission rejection.
func (m *Metrics) Rejected(reason session.RejectReason) {
	m.Rejections.WithLabelValues(string(reason)).Inc()
}

// WorkerStarted implements transcoder.Observer.
func (m *Metrics) WorkerStarted(profileID string, transcode bool) {
	mode := "copy"
	if transcode {
		mode = "transcode"
	}
	m.WorkersStarted.WithLabelValues(profileID, mode).Inc()
}

// WorkerExited implements transcoder.Observer.
func (m *Metrics) WorkerExited(profileID string, kind transcoder.FailureKind, d time.Duration) {
	k := string(kind)
	if k == "" {
		k = "clean"
	}
	m.WorkersExited.WithLabelValues(profileID, k).Inc()
	m.WorkerRuntime.Observe(d.Seconds())
}

// Resolved implements resolver.Observer.
func (m *Metrics) Resolved(kind resolver.Kind, cached bool, err error, d time.Duration) {
	outcome := "ok"
	switch {
	case errors.Is(err, resolver.ErrUnhealthy):
		outcome = "unhealthy"
	case errors.Is(err, resolver.ErrNoVariant):
		outcome = "no_variant"
	case err != nil:
		outcome = "error"
	case cached:
		outcome = "cached"
	}
	if kind == "" {
		kind = "unknown"
	}
	m.ResolveTotal.WithLabelValues(string(kind), outcome).Inc()
	if !cached {
		m.ResolveDuration.Observe(d.Seconds())
	}
}

// Refreshed implements epg.Observer.
func (m *Metrics) Refreshed(sourceID string, res store.IngestResult, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else {
		m.EPGPrograms.WithLabelValues(sourceID).Set(float64(res.Programs))
	}
	m.EPGRefreshes.WithLabelValues(sourceID, outcome).Inc()
	m.EPGLastDuration.WithLabelValues(sourceID).Set(d.Seconds())
}

var (
	_ transcoder.Observer = (*Metrics)(nil)
	_ resolver.Observer   = (*Metrics)(nil)
	_ epg.Observer        = (*Metrics)(nil)
)
