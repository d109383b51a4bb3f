package consumer

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ExecutionLogHandler projects lifecycle events into execution_event_log so
// trainers can audit what their students did.
type ExecutionLogHandler struct {
	pool *pgxpool.Pool
}

// NewExecutionLogHandler constructs a handler backed by the provided pool.
func NewExecutionLogHandler(pool *pgxpool.Pool) *ExecutionLogHandler {
	return &ExecutionLogHandler{pool: pool}
}

// Handle stores the event. Redelivered events are ignored.
func (h *ExecutionLogHandler) Handle(ctx context.Context, msg Message) error {
	var executionID any
	if msg.Envelope.ExecutionID != "" {
		executionID = msg.Envelope.ExecutionID
	}

	_, err := h.pool.Exec(ctx,
		`INSERT INTO execution_event_log (event_key, event_type, trainer_id, workout_id, execution_id, student_id, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         ON CONFLICT (event_key) DO NOTHING`,
		msg.Key(),
		msg.EventType,
		msg.TrainerID,
		msg.Envelope.WorkoutID,
		executionID,
		msg.Envelope.StudentID,
		msg.Payload,
		receivedAt(msg),
	)
	return err
}
