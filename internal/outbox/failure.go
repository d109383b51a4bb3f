package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQWriter moves undeliverable outbox rows into outbox_dlq.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter initialises a writer backed by the provided connection pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Divert copies messages into the DLQ and settles their outbox rows in one
// transaction, so a row is never both pending and dead-lettered. New entries
// are immediately eligible for replay.
func (w *DLQWriter) Divert(ctx context.Context, messages []Message, reason string) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		batch.Queue(`INSERT INTO outbox_dlq (trainer_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`,
			msg.TrainerID, msg.EventID, msg.EventType, msg.Topic, msg.Payload,
			fmt.Sprintf("%s (topic=%s)", reason, msg.Topic),
			msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
		)
		ids = append(ids, msg.EventID)
	}
	batch.Queue(`UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("divert %d event(s) to dlq: %w", len(messages), err)
	}
	return tx.Commit(ctx)
}
