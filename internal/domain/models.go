package domain

import "time"

// Student is a person coached by a trainer with optional portal access.
type Student struct {
	ID            string
	TrainerID     string
	Name          string
	Email         *string
	PublicSlug    string
	PortalToken   *string
	PortalEnabled bool
	IsActive      bool
	AuthAccountID *string
}

// WorkoutStatus is the planning state of a workout.
type WorkoutStatus string

const (
	WorkoutStatusDraft WorkoutStatus = "draft"
	WorkoutStatusReady WorkoutStatus = "ready"
)

// Workout is a planned training session owned by one student.
type Workout struct {
	ID        string
	StudentID string
	TrainerID string
	Title     string
	Status    WorkoutStatus
	// LockedAt is set on the first execution start and never cleared.
	LockedAt *time.Time
}

// Locked reports whether the workout definition is frozen.
func (w Workout) Locked() bool {
	return w.LockedAt != nil
}

// ExecutionStatus is the lifecycle state of a single attempt.
type ExecutionStatus string

const (
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
)

// Execution is one attempt by a student to perform a workout.
type Execution struct {
	ID             string
	WorkoutID      string
	StudentID      string
	TrainerID      string
	Status         ExecutionStatus
	StartedAt      time.Time
	LastEventAt    time.Time
	CompletedAt    *time.Time
	PerformedAt    *time.Time
	TotalElapsedMs *int64
	ActualTotalKm  *float64
	RPE            *float64
	Comment        *string
}

// Completed reports whether the execution reached its terminal state.
func (e Execution) Completed() bool {
	return e.Status == ExecutionStatusCompleted
}

// PortalView is what a student sees for a single workout.
type PortalView struct {
	Student       Student
	Workout       Workout
	LastExecution *Execution
}

// Trainer identifies the caller of trainer-side operations.
type Trainer struct {
	ID    string
	Email string
}

// AuthAccount is the identity provider's view of a login account.
type AuthAccount struct {
	ID           string
	Email        string
	LastSignInAt *time.Time
	Metadata     map[string]any
}

// HasSignedIn reports whether the account was ever used to log in.
func (a AuthAccount) HasSignedIn() bool {
	return a.LastSignInAt != nil && !a.LastSignInAt.IsZero()
}
