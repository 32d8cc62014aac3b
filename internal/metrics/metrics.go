// Package metrics exposes Prometheus metrics for the sync engine.
//
// Metrics live on a private registry so tests and embedded engines do not
// collide on the global one. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "playersync"

// Check outcomes.
const (
	OutcomeNoDiff     = "no_diff"
	OutcomeSuppressed = "suppressed"
	OutcomeDisabled   = "disabled"
	OutcomeReview     = "review"
	OutcomeError      = "error"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	ChecksTotal       *prometheus.CounterVec
	ChangesApplied    *prometheus.CounterVec
	OverridesApplied  prometheus.Counter
	OverridesPushed   prometheus.Counter
	LiveWriteFailures prometheus.Counter
	SnapshotsSaved    prometheus.Counter
	CheckDuration     prometheus.Histogram
	SaveID            *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry. When withRuntime is set
// the Go runtime and process collectors are registered as well.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Sync checks by outcome.",
		}, []string{"outcome"}),

		ChangesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Reviewed changes by decision.",
		}, []string{"decision"}),

		OverridesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overrides_applied_total",
			Help:      "Administrator overrides merged into a live store.",
		}),

		OverridesPushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overrides_pushed_total",
			Help:      "Administrator overrides stored for a user.",
		}),

		LiveWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_write_failures_total",
			Help:      "Live store writes rejected while applying changes.",
		}),

		SnapshotsSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Snapshots persisted.",
		}),

		CheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Time spent computing a sync check.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),

		SaveID: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "save_id",
			Help:      "Latest snapshot save counter per user.",
		}, []string{"user"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCheck records a finished check.
func (m *Metrics) ObserveCheck(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(outcome).Inc()
	m.CheckDuration.Observe(time.Since(started).Seconds())
}

// ObserveDecisions records the tallies of an applied review.
func (m *Metrics) ObserveDecisions(applied, reverted, ignored, failed int) {
	if m == nil {
		return
	}
	m.ChangesApplied.WithLabelValues("new").Add(float64(applied))
	m.ChangesApplied.WithLabelValues("old").Add(float64(reverted))
	m.ChangesApplied.WithLabelValues("ignore").Add(float64(ignored))
	m.LiveWriteFailures.Add(float64(failed))
}

// ObserveOverride records an applied administrator override.
func (m *Metrics) ObserveOverride(failed int) {
	if m == nil {
		return
	}
	m.OverridesApplied.Inc()
	m.LiveWriteFailures.Add(float64(failed))
}

// ObservePush records an override stored for a user.
func (m *Metrics) ObservePush() {
	if m == nil {
		return
	}
	m.OverridesPushed.Inc()
}

// ObserveSave records a persisted snapshot.
func (m *Metrics) ObserveSave(userID string, saveID int) {
	if m == nil {
		return
	}
	m.SnapshotsSaved.Inc()
	m.SaveID.WithLabelValues(userID).Set(float64(saveID))
}
