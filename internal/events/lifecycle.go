// Package events defines the payloads published for workout execution
// lifecycle changes.
package events

import "time"

// Topic carries every lifecycle event, keyed by workout id so events for
// one workout stay ordered.
const Topic = "workout_lifecycle"

// Event type names, also used as the Kafka event_type header.
const (
	TypeExecutionStarted   = "execution.started"
	TypeExecutionCompleted = "execution.completed"
	TypeWorkoutLocked      = "workout.locked"
)

// ExecutionStarted is emitted when a student opens a new attempt.
type ExecutionStarted struct {
	ExecutionID string     `json:"execution_id"`
	WorkoutID   string     `json:"workout_id"`
	StudentID   string     `json:"student_id"`
	TrainerID   string     `json:"trainer_id"`
	StartedAt   time.Time  `json:"started_at"`
	PerformedAt *time.Time `json:"performed_at,omitempty"`
}

// ExecutionCompleted carries the self-reported results of a finished attempt.
type ExecutionCompleted struct {
	ExecutionID    string    `json:"execution_id"`
	WorkoutID      string    `json:"workout_id"`
	StudentID      string    `json:"student_id"`
	TrainerID      string    `json:"trainer_id"`
	CompletedAt    time.Time `json:"completed_at"`
	TotalElapsedMs *int64    `json:"total_elapsed_ms,omitempty"`
	ActualTotalKm  *float64  `json:"actual_total_km,omitempty"`
	RPE            *float64  `json:"rpe,omitempty"`
	Comment        *string   `json:"comment,omitempty"`
}

// WorkoutLocked marks the moment a workout definition became immutable.
type WorkoutLocked struct {
	WorkoutID string    `json:"workout_id"`
	StudentID string    `json:"student_id"`
	TrainerID string    `json:"trainer_id"`
	LockedAt  time.Time `json:"locked_at"`
}

// Envelope is the subset of fields every lifecycle payload shares.
type Envelope struct {
	ExecutionID string `json:"execution_id"`
	WorkoutID   string `json:"workout_id"`
	StudentID   string `json:"student_id"`
	TrainerID   string `json:"trainer_id"`
}
