// Package postgres implements the domain repositories on PostgreSQL and
// records lifecycle events in the transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/coaching/internal/domain"
	"example.com/coaching/internal/events"
)

// Repository provides Postgres-backed persistence for students, workouts,
// executions and their outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const studentColumns = `id, trainer_id, name, email, public_slug, portal_token, portal_enabled, is_active, auth_account_id`

const workoutColumns = `id, student_id, trainer_id, title, status, locked_at`

const executionColumns = `id, workout_id, student_id, trainer_id, status, started_at, last_event_at, completed_at,
        performed_at, total_elapsed_ms, actual_total_km, rpe, comment`

// FindPortalStudent returns the student reachable through the portal link.
func (r *Repository) FindPortalStudent(ctx context.Context, slug, token string) (*domain.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students
        WHERE public_slug=$1 AND portal_token=$2 AND portal_enabled`

	student, err := scanStudent(r.pool.QueryRow(ctx, query, slug, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &student, nil
}

// ListByTrainer returns the full roster of a trainer, inactive students included.
func (r *Repository) ListByTrainer(ctx context.Context, trainerID string) ([]domain.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE trainer_id=$1 ORDER BY name, id`

	rows, err := r.pool.Query(ctx, query, trainerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	students := make([]domain.Student, 0)
	for rows.Next() {
		student, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		students = append(students, student)
	}
	return students, rows.Err()
}

// LinkAuthAccount stores the identity provider account id on the student.
func (r *Repository) LinkAuthAccount(ctx context.Context, studentID, accountID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE students SET auth_account_id=$2 WHERE id=$1`, studentID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("student %s not found", studentID)
	}
	return nil
}

// Deactivate disables portal access for a student owned by the trainer.
func (r *Repository) Deactivate(ctx context.Context, trainerID, studentID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE students
        SET is_active=FALSE, portal_enabled=FALSE, portal_token=NULL
        WHERE id=$1 AND trainer_id=$2`, studentID, trainerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindForStudent returns the workout when it belongs to the student.
func (r *Repository) FindForStudent(ctx context.Context, studentID, workoutID string) (*domain.Workout, error) {
	query := `SELECT ` + workoutColumns + ` FROM workouts WHERE id=$1 AND student_id=$2`

	workout, err := scanWorkout(r.pool.QueryRow(ctx, query, workoutID, studentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &workout, nil
}

// LockIfUnlocked freezes the workout unless a lock already exists and emits
// workout.locked in the same transaction.
func (r *Repository) LockIfUnlocked(ctx context.Context, workoutID string, at time.Time) (bool, error) {
	locked := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var studentID, trainerID string
		err := tx.QueryRow(ctx, `UPDATE workouts SET locked_at=$2
            WHERE id=$1 AND locked_at IS NULL
            RETURNING student_id, trainer_id`, workoutID, at).Scan(&studentID, &trainerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		locked = true
		return insertOutbox(ctx, tx, outboxRecord{
			TrainerID:     trainerID,
			AggregateType: "workout",
			AggregateID:   workoutID,
			EventType:     events.TypeWorkoutLocked,
			PartitionKey:  workoutID,
			DedupeKey:     fmt.Sprintf("%s:%s", workoutID, events.TypeWorkoutLocked),
			Payload: events.WorkoutLocked{
				WorkoutID: workoutID,
				StudentID: studentID,
				TrainerID: trainerID,
				LockedAt:  at,
			},
		})
	})
	return locked, err
}

// Latest returns the execution with the most recent activity.
func (r *Repository) Latest(ctx context.Context, workoutID string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
        WHERE workout_id=$1
        ORDER BY last_event_at DESC NULLS LAST, started_at DESC
        LIMIT 1`

	exec, err := scanExecution(r.pool.QueryRow(ctx, query, workoutID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// Get returns an execution of the workout by id.
func (r *Repository) Get(ctx context.Context, workoutID, executionID string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id=$1 AND workout_id=$2`

	exec, err := scanExecution(r.pool.QueryRow(ctx, query, executionID, workoutID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// CreateInProgress inserts a new attempt. The partial unique index on
// in-progress executions turns a concurrent duplicate into a no-op, in which
// case the winning row is returned.
func (r *Repository) CreateInProgress(ctx context.Context, exec domain.Execution) (*domain.Execution, bool, error) {
	var (
		stored  domain.Execution
		created bool
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO executions
            (id, workout_id, student_id, trainer_id, status, started_at, last_event_at, performed_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
            ON CONFLICT (workout_id) WHERE status = 'in_progress' DO NOTHING`,
			exec.ID,
			exec.WorkoutID,
			exec.StudentID,
			exec.TrainerID,
			string(domain.ExecutionStatusInProgress),
			exec.StartedAt,
			exec.LastEventAt,
			exec.PerformedAt,
		)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 0 {
			query := `SELECT ` + executionColumns + ` FROM executions
                WHERE workout_id=$1 AND status='in_progress'`
			stored, err = scanExecution(tx.QueryRow(ctx, query, exec.WorkoutID))
			return err
		}

		stored = exec
		stored.Status = domain.ExecutionStatusInProgress
		created = true
		return insertOutbox(ctx, tx, outboxRecord{
			TrainerID:     exec.TrainerID,
			AggregateType: "execution",
			AggregateID:   exec.ID,
			EventType:     events.TypeExecutionStarted,
			PartitionKey:  exec.WorkoutID,
			DedupeKey:     fmt.Sprintf("%s:%s", exec.ID, events.TypeExecutionStarted),
			Payload: events.ExecutionStarted{
				ExecutionID: exec.ID,
				WorkoutID:   exec.WorkoutID,
				StudentID:   exec.StudentID,
				TrainerID:   exec.TrainerID,
				StartedAt:   exec.StartedAt,
				PerformedAt: exec.PerformedAt,
			},
		})
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// Complete finalises the execution if it is still in progress and emits
// execution.completed in the same transaction.
func (r *Repository) Complete(ctx context.Context, exec domain.Execution) (bool, error) {
	applied := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE executions SET
                status=$3, completed_at=$4, last_event_at=$5, performed_at=$6,
                total_elapsed_ms=$7, actual_total_km=$8, rpe=$9, comment=$10
            WHERE id=$1 AND workout_id=$2 AND status='in_progress'`,
			exec.ID,
			exec.WorkoutID,
			string(domain.ExecutionStatusCompleted),
			exec.CompletedAt,
			exec.LastEventAt,
			exec.PerformedAt,
			exec.TotalElapsedMs,
			exec.ActualTotalKm,
			exec.RPE,
			exec.Comment,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		completedAt := exec.LastEventAt
		if exec.CompletedAt != nil {
			completedAt = *exec.CompletedAt
		}
		return insertOutbox(ctx, tx, outboxRecord{
			TrainerID:     exec.TrainerID,
			AggregateType: "execution",
			AggregateID:   exec.ID,
			EventType:     events.TypeExecutionCompleted,
			PartitionKey:  exec.WorkoutID,
			DedupeKey:     fmt.Sprintf("%s:%s", exec.ID, events.TypeExecutionCompleted),
			Payload: events.ExecutionCompleted{
				ExecutionID:    exec.ID,
				WorkoutID:      exec.WorkoutID,
				StudentID:      exec.StudentID,
				TrainerID:      exec.TrainerID,
				CompletedAt:    completedAt,
				TotalElapsedMs: exec.TotalElapsedMs,
				ActualTotalKm:  exec.ActualTotalKm,
				RPE:            exec.RPE,
				Comment:        exec.Comment,
			},
		})
	})
	return applied, err
}

// SaveStudent upserts a student. Used by seeding and tests.
func (r *Repository) SaveStudent(ctx context.Context, s domain.Student) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO students (`+studentColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (id) DO UPDATE SET
            trainer_id=EXCLUDED.trainer_id, name=EXCLUDED.name, email=EXCLUDED.email,
            public_slug=EXCLUDED.public_slug, portal_token=EXCLUDED.portal_token,
            portal_enabled=EXCLUDED.portal_enabled, is_active=EXCLUDED.is_active,
            auth_account_id=EXCLUDED.auth_account_id`,
		s.ID, s.TrainerID, s.Name, s.Email, s.PublicSlug, s.PortalToken, s.PortalEnabled, s.IsActive, s.AuthAccountID,
	)
	return err
}

// SaveWorkout upserts a workout. Used by seeding and tests.
func (r *Repository) SaveWorkout(ctx context.Context, w domain.Workout) error {
	status := w.Status
	if status == "" {
		status = domain.WorkoutStatusDraft
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO workouts (`+workoutColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (id) DO UPDATE SET
            student_id=EXCLUDED.student_id, trainer_id=EXCLUDED.trainer_id,
            title=EXCLUDED.title, status=EXCLUDED.status`,
		w.ID, w.StudentID, w.TrainerID, w.Title, string(status), w.LockedAt,
	)
	return err
}

func (r *Repository) inTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type outboxRecord struct {
	TrainerID     string
	AggregateType string
	AggregateID   string
	EventType     string
	PartitionKey  string
	DedupeKey     string
	Payload       any
}

func insertOutbox(ctx context.Context, tx pgx.Tx, record outboxRecord) error {
	body, err := json.Marshal(record.Payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[record.EventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", record.EventType)
	}

	const stmt = `INSERT INTO outbox (trainer_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		record.TrainerID,
		record.AggregateType,
		record.AggregateID,
		record.EventType,
		meta.Topic,
		meta.SchemaSubject,
		record.PartitionKey,
		body,
		record.DedupeKey,
	)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeExecutionStarted: {
		Topic:         events.Topic,
		SchemaSubject: events.Topic + "-" + events.TypeExecutionStarted,
	},
	events.TypeExecutionCompleted: {
		Topic:         events.Topic,
		SchemaSubject: events.Topic + "-" + events.TypeExecutionCompleted,
	},
	events.TypeWorkoutLocked: {
		Topic:         events.Topic,
		SchemaSubject: events.Topic + "-" + events.TypeWorkoutLocked,
	},
}

func scanStudent(row pgx.Row) (domain.Student, error) {
	var s domain.Student
	err := row.Scan(&s.ID, &s.TrainerID, &s.Name, &s.Email, &s.PublicSlug, &s.PortalToken, &s.PortalEnabled, &s.IsActive, &s.AuthAccountID)
	return s, err
}

func scanWorkout(row pgx.Row) (domain.Workout, error) {
	var (
		w      domain.Workout
		status string
	)
	if err := row.Scan(&w.ID, &w.StudentID, &w.TrainerID, &w.Title, &status, &w.LockedAt); err != nil {
		return domain.Workout{}, err
	}
	w.Status = domain.WorkoutStatus(status)
	return w, nil
}

func scanExecution(row pgx.Row) (domain.Execution, error) {
	var (
		e           domain.Execution
		status      string
		lastEventAt *time.Time
	)
	err := row.Scan(&e.ID, &e.WorkoutID, &e.StudentID, &e.TrainerID, &status, &e.StartedAt, &lastEventAt, &e.CompletedAt,
		&e.PerformedAt, &e.TotalElapsedMs, &e.ActualTotalKm, &e.RPE, &e.Comment)
	if err != nil {
		return domain.Execution{}, err
	}
	e.Status = domain.ExecutionStatus(status)
	if lastEventAt != nil {
		e.LastEventAt = *lastEventAt
	}
	return e, nil
}
