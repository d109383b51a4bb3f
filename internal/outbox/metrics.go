package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// dlqDiverted labels entries the dispatcher moved into the DLQ; the other
// outcome labels come from entryOutcome.String.
const dlqDiverted = "diverted"

var (
	deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Lifecycle events published to Kafka, labeled by event type.",
	}, []string{"event_type"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Lifecycle events whose batch failed to publish, labeled by event type.",
	}, []string{"event_type"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coaching",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent delivering and settling a non-empty outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coaching",
		Subsystem: "outbox",
		Name:      "batch_size",
		Help:      "Number of events claimed per non-empty batch.",
		Buckets:   prometheus.LinearBuckets(1, 10, 10),
	})

	dlqEntriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coaching",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ transitions labeled by event type and outcome (diverted, requeued, rescheduled, quarantined).",
	}, []string{"event_type", "outcome"})

	dlqBacklogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "coaching",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "Entries currently held in the DLQ, split into pending and quarantined.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, batchDuration, batchSize, dlqEntriesCounter, dlqBacklogGauge)
}

func countByEventType(counter *prometheus.CounterVec, messages []Message) {
	for _, msg := range messages {
		counter.WithLabelValues(msg.EventType).Inc()
	}
}

func recordDLQ(eventType, outcome string) {
	dlqEntriesCounter.WithLabelValues(eventType, outcome).Inc()
}

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	var pending, quarantined int
	err := pool.QueryRow(ctx, `SELECT
            COUNT(*) FILTER (WHERE quarantined_at IS NULL),
            COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
        FROM outbox_dlq`).Scan(&pending, &quarantined)
	if err != nil {
		return
	}
	dlqBacklogGauge.WithLabelValues("pending").Set(float64(pending))
	dlqBacklogGauge.WithLabelValues("quarantined").Set(float64(quarantined))
}
