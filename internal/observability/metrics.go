// Package observability holds the Prometheus collectors shared by the coaching services.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ExecutionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "executions",
		Name:      "started_total",
		Help:      "Number of new workout executions created.",
	})

	ExecutionsReused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "executions",
		Name:      "start_reused_total",
		Help:      "Start calls answered with an already in-progress execution.",
	})

	ExecutionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "executions",
		Name:      "completed_total",
		Help:      "Number of executions transitioned to completed.",
	})

	ExecutionConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "executions",
		Name:      "rejected_total",
		Help:      "Lifecycle calls rejected, labeled by error kind.",
	}, []string{"operation", "kind"})

	WorkoutsLocked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "workouts",
		Name:      "locked_total",
		Help:      "Number of workouts locked by a first execution start.",
	})

	ReconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "access",
		Name:      "reconcile_outcomes_total",
		Help:      "Per-student access reconciliation outcomes.",
	}, []string{"outcome"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coaching",
		Subsystem: "access",
		Name:      "reconcile_duration_seconds",
		Help:      "Wall time of a full roster reconciliation.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	lastReconcileGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coaching",
		Subsystem: "access",
		Name:      "last_reconcile_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed reconciliation run.",
	})
)

func init() {
	prometheus.MustRegister(
		ExecutionsStarted,
		ExecutionsReused,
		ExecutionsCompleted,
		ExecutionConflicts,
		WorkoutsLocked,
		ReconcileOutcomes,
		reconcileDuration,
		lastReconcileGauge,
	)
}

// RecordReconcileRun observes the duration of a run that finished at end.
func RecordReconcileRun(start, end time.Time) {
	if start.IsZero() || end.IsZero() {
		return
	}
	reconcileDuration.Observe(end.Sub(start).Seconds())
	lastReconcileGauge.Set(float64(end.Unix()))
}
