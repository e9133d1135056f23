// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "progress_engine"

// Outcome labels of the apply path.
const (
	OutcomeApplied    = "applied"
	OutcomeInvalid    = "invalid"
	OutcomeContention = "contention"
	OutcomeError      = "error"
)

// Metrics holds every collector, registered on its own registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	applyTotal    *prometheus.CounterVec
	applyLatency  *prometheus.HistogramVec
	applyAttempts prometheus.Histogram
	casConflicts  prometheus.Counter
	xpNominal     prometheus.Counter
	xpCredited    prometheus.Counter
	capReached    prometheus.Counter

	queryLatency *prometheus.HistogramVec
	snapshotAge  prometheus.Gauge

	eventsPublished *prometheus.CounterVec
	handlerLatency  *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec

	jobLatency *prometheus.HistogramVec
	jobErrors  *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		applyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "apply_total",
			Help:      "Learning events handled by ApplyEvent, by kind and outcome",
		}, []string{"kind", "outcome"}),
		applyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "apply_duration_seconds",
			Help:      "ApplyEvent latency including retries",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"kind"}),
		applyAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "apply_attempts",
			Help:      "Optimistic write attempts per ApplyEvent",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		casConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "version_conflicts_total",
			Help:      "Compare-and-swap writes rejected on version",
		}),
		xpNominal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "xp_nominal_total",
			Help:      "XP requested by events before the daily cap",
		}),
		xpCredited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "xp_credited_total",
			Help:      "XP credited after the daily cap",
		}),
		capReached: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "daily_cap_reached_total",
			Help:      "Events that filled a learner's daily cap",
		}),

		queryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "leaderboard",
			Name:      "query_duration_seconds",
			Help:      "Leaderboard query latency by operation and period",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"operation", "period"}),
		snapshotAge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "leaderboard",
			Name:      "snapshot_age_seconds",
			Help:      "Age of the published in-process leaderboard snapshot",
		}),

		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Domain events published",
		}, []string{"type"}),
		handlerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "handler_duration_seconds",
			Help:      "Event handler latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "handler_errors_total",
			Help:      "Event handler failures",
		}, []string{"type"}),

		jobLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job latency",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		jobErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_errors_total",
			Help:      "Scheduled job failures",
		}, []string{"job"}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ──────────────────────────────────────────────────────────────────────────────
// Apply path
// ──────────────────────────────────────────────────────────────────────────────

// ApplyFinished records one ApplyEvent call.
func (m *Metrics) ApplyFinished(kind, outcome string, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	m.applyTotal.WithLabelValues(kind, outcome).Inc()
	m.applyLatency.WithLabelValues(kind).Observe(d.Seconds())
	if attempts > 0 {
		m.applyAttempts.Observe(float64(attempts))
	}
}

// VersionConflict records a rejected compare-and-swap.
func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

// XPCredited records nominal and credited XP of an applied event.
func (m *Metrics) XPCredited(nominal, credited int, capReached bool) {
	if m == nil {
		return
	}
	m.xpNominal.Add(float64(nominal))
	m.xpCredited.Add(float64(credited))
	if capReached {
		m.capReached.Inc()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Leaderboard
// ──────────────────────────────────────────────────────────────────────────────

// QueryFinished records a leaderboard read.
func (m *Metrics) QueryFinished(operation, period string, d time.Duration) {
	if m == nil {
		return
	}
	m.queryLatency.WithLabelValues(operation, period).Observe(d.Seconds())
}

// ObserveSnapshotAge implements jobs.SnapshotObserver.
func (m *Metrics) ObserveSnapshotAge(age time.Duration) {
	if m == nil {
		return
	}
	m.snapshotAge.Set(age.Seconds())
}

// ──────────────────────────────────────────────────────────────────────────────
// Event bus and scheduler
// ──────────────────────────────────────────────────────────────────────────────

// EventPublished implements messaging.Recorder.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// HandlerFinished implements messaging.Recorder.
func (m *Metrics) HandlerFinished(eventType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.handlerLatency.WithLabelValues(eventType).Observe(d.Seconds())
	if err != nil {
		m.handlerErrors.WithLabelValues(eventType).Inc()
	}
}

// JobFinished records a scheduler run.
func (m *Metrics) JobFinished(job string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobLatency.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		m.jobErrors.WithLabelValues(job).Inc()
	}
}
