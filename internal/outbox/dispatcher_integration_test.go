//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/coaching/internal/events"
	"example.com/coaching/internal/persistence/postgres"
)

func TestDispatcherPublishesMessages(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	trainerID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, trainerID, uuid.NewString(), events.TypeExecutionStarted))

	producer := &stubProducer{}
	dispatcher := newIntegrationDispatcher(pool, producer, &stubRegistry{id: 42})

	beforeDelivered := testutil.ToFloat64(deliveredCounter.WithLabelValues(events.TypeExecutionStarted))
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, events.Topic, producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter.WithLabelValues(events.TypeExecutionStarted)), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)

	// A second pass finds nothing left to deliver.
	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestDispatcherRoutesMessagesToDLQOnFailure(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)

	trainerID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, trainerID, uuid.NewString(), events.TypeExecutionCompleted))

	dispatcher := newIntegrationDispatcher(pool, &stubProducer{err: errors.New("kafka write failed")}, &stubRegistry{id: 7})

	beforeFailed := testutil.ToFloat64(failedCounter.WithLabelValues(events.TypeExecutionCompleted))
	beforeDLQ := testutil.ToFloat64(dlqEntriesCounter.WithLabelValues(events.TypeExecutionCompleted, dlqDiverted))

	require.NoError(t, dispatcher.processBatch(ctx))

	require.InDelta(t, beforeFailed+1, testutil.ToFloat64(failedCounter.WithLabelValues(events.TypeExecutionCompleted)), 0.0001)
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(dlqEntriesCounter.WithLabelValues(events.TypeExecutionCompleted, dlqDiverted)), 0.0001)

	var dlqCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE trainer_id = $1`, trainerID).Scan(&dlqCount))
	require.Equal(t, 1, dlqCount)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE trainer_id = $1 AND published_at IS NULL`, trainerID).Scan(&pending))
	require.Zero(t, pending)
}

func TestDLQManagerRequeuesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	logger, _ := test.NewNullLogger()

	trainerID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, trainerID, uuid.NewString(), events.TypeWorkoutLocked))
	require.NoError(t, newIntegrationDispatcher(pool, &stubProducer{err: errors.New("down")}, &stubRegistry{id: 3}).processBatch(ctx))

	_, err := pool.Exec(ctx, `INSERT INTO outbox_dlq (trainer_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count)
        VALUES ($1, 0, $2, $3, '{}', 'old failure', 'workout', 'W-old', $4, 'W-old', 5)`,
		trainerID, events.TypeWorkoutLocked, events.Topic, events.Topic+"-"+events.TypeWorkoutLocked)
	require.NoError(t, err)

	manager := NewDLQManager(pool, logger, 5, time.Second)
	result, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, ReplayResult{Requeued: 1, Quarantined: 1}, result)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Equal(t, 1, pending)

	var quarantined int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NOT NULL`).Scan(&quarantined))
	require.Equal(t, 1, quarantined)
	require.InDelta(t, 0, testutil.ToFloat64(dlqBacklogGauge.WithLabelValues("pending")), 0.0001)
}

func newIntegrationDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar) *Dispatcher {
	logger, _ := test.NewNullLogger()
	return NewDispatcher(pool, producer, registry, logger, 10*time.Millisecond, 5)
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("coaching"),
		postgrescontainer.WithUsername("coach"),
		postgrescontainer.WithPassword("coach"),
		postgrescontainer.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, trainerID, workoutID, eventType string) int64 {
	t.Helper()

	payload, err := json.Marshal(events.Envelope{
		ExecutionID: uuid.NewString(),
		WorkoutID:   workoutID,
		StudentID:   uuid.NewString(),
		TrainerID:   trainerID,
	})
	require.NoError(t, err)

	var eventID int64
	err = pool.QueryRow(ctx,
		`INSERT INTO outbox (trainer_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         RETURNING event_id`,
		trainerID,
		"workout",
		workoutID,
		eventType,
		events.Topic,
		events.Topic+"-"+eventType,
		workoutID,
		payload,
	).Scan(&eventID)
	require.NoError(t, err)
	return eventID
}
