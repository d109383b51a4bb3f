package domain

import (
	"context"
	"time"
)

// StudentRepository captures student persistence. Finders return (nil, nil)
// on a miss.
type StudentRepository interface {
	FindPortalStudent(ctx context.Context, slug, token string) (*Student, error)
	ListByTrainer(ctx context.Context, trainerID string) ([]Student, error)
	LinkAuthAccount(ctx context.Context, studentID, accountID string) error
	// Deactivate disables the portal and clears the token. It reports false
	// when no student with that id belongs to the trainer.
	Deactivate(ctx context.Context, trainerID, studentID string) (bool, error)
}

// WorkoutRepository captures workout persistence.
type WorkoutRepository interface {
	FindForStudent(ctx context.Context, studentID, workoutID string) (*Workout, error)
	// LockIfUnlocked sets locked_at only while it is still NULL and reports
	// whether this call applied the lock.
	LockIfUnlocked(ctx context.Context, workoutID string, at time.Time) (bool, error)
}

// ExecutionRepository captures execution persistence.
type ExecutionRepository interface {
	// Latest returns the most recently touched execution for the workout.
	Latest(ctx context.Context, workoutID string) (*Execution, error)
	Get(ctx context.Context, workoutID, executionID string) (*Execution, error)
	// CreateInProgress inserts exec unless the workout already has an
	// in-progress execution, in which case that row is returned with
	// created=false.
	CreateInProgress(ctx context.Context, exec Execution) (stored *Execution, created bool, err error)
	// Complete persists the completed execution only if the stored row is
	// still in progress and reports whether it did.
	Complete(ctx context.Context, exec Execution) (bool, error)
}

// IdentityProvider is the login-account backend for students.
type IdentityProvider interface {
	InviteUser(ctx context.Context, email, redirectTo string, metadata map[string]any) (*AuthAccount, error)
	// GetUser returns ErrAccountNotFound when the id no longer exists.
	GetUser(ctx context.Context, accountID string) (*AuthAccount, error)
	UpdateUserMetadata(ctx context.Context, accountID string, metadata map[string]any) error
	SendPasswordReset(ctx context.Context, email, redirectTo string) error
}

// SummaryStore keeps the last reconciliation summary per trainer.
type SummaryStore interface {
	SaveSummary(ctx context.Context, trainerID string, summary ReconcileSummary) error
	// LoadSummary returns (nil, nil) when nothing was stored yet.
	LoadSummary(ctx context.Context, trainerID string) (*ReconcileSummary, error)
}
