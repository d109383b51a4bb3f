package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const quarantineReason = "retry limit reached"

// DLQManager replays failed outbox messages and quarantines entries that
// exhausted their retries.
type DLQManager struct {
	pool       *pgxpool.Pool
	logger     logrus.FieldLogger
	maxRetries int
	baseDelay  time.Duration
}

// ReplayResult summarises one RunOnce pass.
type ReplayResult struct {
	Requeued    int
	Rescheduled int
	Quarantined int
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, logger logrus.FieldLogger, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DLQManager{
		pool:       pool,
		logger:     logger.WithField("component", "dlq_manager"),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// RunOnce processes a batch of due DLQ entries.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (ReplayResult, error) {
	const query = `SELECT dlq_id, trainer_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at
        LIMIT $1`

	var result ReplayResult
	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return result, err
	}

	entries := make([]dlqEntry, 0)
	for rows.Next() {
		entry, scanErr := scanDLQEntry(rows)
		if scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}

	for _, entry := range entries {
		outcome, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		switch outcome {
		case outcomeRequeued:
			result.Requeued++
		case outcomeRescheduled:
			result.Rescheduled++
		case outcomeQuarantined:
			result.Quarantined++
		}
	}

	updateBacklogGauge(ctx, m.pool)
	m.logger.WithFields(logrus.Fields{
		"requeued":    result.Requeued,
		"rescheduled": result.Rescheduled,
		"quarantined": result.Quarantined,
	}).Info("dlq pass finished")
	return result, err
}

type entryOutcome int

const (
	outcomeRequeued entryOutcome = iota + 1
	outcomeRescheduled
	outcomeQuarantined
)

func (o entryOutcome) String() string {
	switch o {
	case outcomeRequeued:
		return "requeued"
	case outcomeRescheduled:
		return "rescheduled"
	case outcomeQuarantined:
		return "quarantined"
	}
	return "unknown"
}

// handleEntry applies retry/quarantine logic for a single DLQ entry.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (entryOutcome, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if entry.RetryCount >= m.maxRetries {
		if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, quarantineReason, entry.ID); err != nil {
			return 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, err
		}
		recordDLQ(entry.EventType, outcomeQuarantined.String())
		m.logger.WithFields(logrus.Fields{"dlq_id": entry.ID, "event_type": entry.EventType}).Warn("dlq entry quarantined")
		return outcomeQuarantined, nil
	}

	if insertErr := requeueOutbox(ctx, tx, entry); insertErr != nil {
		// The failed insert aborted tx; record the retry in a fresh one.
		_ = tx.Rollback(ctx)
		if err := m.scheduleRetry(ctx, entry, insertErr); err != nil {
			return 0, err
		}
		recordDLQ(entry.EventType, outcomeRescheduled.String())
		return outcomeRescheduled, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	recordDLQ(entry.EventType, outcomeRequeued.String())
	return outcomeRequeued, nil
}

func (m *DLQManager) scheduleRetry(ctx context.Context, entry dlqEntry, cause error) error {
	delay := m.backoffDelay(entry.RetryCount + 1)
	_, err := m.pool.Exec(ctx,
		`UPDATE outbox_dlq
            SET retry_count = retry_count + 1,
                last_attempt_at = NOW(),
                next_retry_at = NOW() + $1::interval,
                reason = $2
          WHERE dlq_id = $3`,
		delay, cause.Error(), entry.ID,
	)
	return err
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// requeueOutbox reinserts the payload into the primary outbox table for replay.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (trainer_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := tx.Exec(ctx, stmt,
		entry.TrainerID,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	)
	return err
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	TrainerID     string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(rows pgx.Rows) (dlqEntry, error) {
	var entry dlqEntry
	if err := rows.Scan(&entry.ID, &entry.TrainerID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason, &entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount); err != nil {
		return dlqEntry{}, err
	}
	return entry, nil
}
