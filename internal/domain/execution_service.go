// Package domain defines the workout-execution lifecycle and the student
// access reconciliation workflow.
package domain

import (
	"context"
	"crypto/subtle"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"example.com/coaching/internal/observability"
)

// ExecutionService orchestrates the lifecycle of workout executions started
// from the student portal.
type ExecutionService struct {
	students   StudentRepository
	workouts   WorkoutRepository
	executions ExecutionRepository
	now        func() time.Time
	logger     logrus.FieldLogger
}

// ExecutionOption configures optional behaviour for ExecutionService.
type ExecutionOption func(*ExecutionService)

// WithExecutionClock overrides the time source.
func WithExecutionClock(now func() time.Time) ExecutionOption {
	return func(s *ExecutionService) {
		s.now = now
	}
}

// WithExecutionLogger overrides the logger.
func WithExecutionLogger(logger logrus.FieldLogger) ExecutionOption {
	return func(s *ExecutionService) {
		s.logger = logger
	}
}

// NewExecutionService constructs an ExecutionService.
func NewExecutionService(students StudentRepository, workouts WorkoutRepository, executions ExecutionRepository, opts ...ExecutionOption) *ExecutionService {
	s := &ExecutionService{
		students:   students,
		workouts:   workouts,
		executions: executions,
		now:        time.Now,
		logger:     discardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PortalAccess is the capability pair a student presents.
type PortalAccess struct {
	Slug  string
	Token string
}

// StartExecutionInput captures a start request.
type StartExecutionInput struct {
	Access      PortalAccess
	WorkoutID   string
	PerformedAt *time.Time
}

// CompleteExecutionInput captures a completion request. Numeric fields are
// loosely typed: numbers or strings with a decimal comma are accepted and
// anything unparseable is treated as absent.
type CompleteExecutionInput struct {
	Access         PortalAccess
	WorkoutID      string
	ExecutionID    string
	PerformedAt    *time.Time
	ActualTotalKm  any
	RPE            any
	Comment        *string
	TotalElapsedMs any
}

// StartExecution starts a workout attempt or returns the one already in
// progress. The boolean reports whether a new execution was created.
func (s *ExecutionService) StartExecution(ctx context.Context, input StartExecutionInput) (*Execution, bool, error) {
	student, workout, err := s.resolve(ctx, input.Access, input.WorkoutID)
	if err != nil {
		return nil, false, s.reject("start", err)
	}
	log := s.logger.WithFields(logrus.Fields{
		"student_id": student.ID,
		"workout_id": workout.ID,
	})

	latest, err := s.executions.Latest(ctx, workout.ID)
	if err != nil {
		return nil, false, s.reject("start", storeError("load latest execution", err))
	}
	if latest != nil && latest.Completed() {
		return nil, false, s.reject("start", &Error{
			Kind:   KindConflict,
			Reason: ReasonAlreadyCompleted,
			Detail: "workout already completed",
		})
	}

	now := s.now().UTC()
	exec := latest
	created := false
	if exec == nil {
		exec, created, err = s.executions.CreateInProgress(ctx, Execution{
			ID:          uuid.NewString(),
			WorkoutID:   workout.ID,
			StudentID:   student.ID,
			TrainerID:   workout.TrainerID,
			Status:      ExecutionStatusInProgress,
			StartedAt:   now,
			LastEventAt: now,
			PerformedAt: input.PerformedAt,
		})
		if err != nil {
			return nil, false, s.reject("start", storeError("create execution", err))
		}
	}

	if !workout.Locked() {
		locked, err := s.workouts.LockIfUnlocked(ctx, workout.ID, now)
		if err != nil {
			return nil, false, s.reject("start", storeError("lock workout", err))
		}
		if locked {
			observability.WorkoutsLocked.Inc()
			log.Info("workout locked")
		}
	}

	if created {
		observability.ExecutionsStarted.Inc()
		log.WithField("execution_id", exec.ID).Info("execution started")
	} else {
		observability.ExecutionsReused.Inc()
		log.WithField("execution_id", exec.ID).Debug("reusing in-progress execution")
	}
	return exec, created, nil
}

// CompleteExecution finalises an execution. Completing an already completed
// execution returns the stored row untouched.
func (s *ExecutionService) CompleteExecution(ctx context.Context, input CompleteExecutionInput) (*Execution, error) {
	if strings.TrimSpace(input.ExecutionID) == "" {
		return nil, s.reject("complete", validation("execution id is required"))
	}
	student, workout, err := s.resolve(ctx, input.Access, input.WorkoutID)
	if err != nil {
		return nil, s.reject("complete", err)
	}

	exec, err := s.executions.Get(ctx, workout.ID, input.ExecutionID)
	if err != nil {
		return nil, s.reject("complete", storeError("load execution", err))
	}
	if exec == nil {
		return nil, s.reject("complete", notFound("execution"))
	}
	if exec.StudentID != student.ID {
		return nil, s.reject("complete", forbidden("execution belongs to another student"))
	}
	if exec.Completed() {
		return exec, nil
	}

	now := s.now().UTC()
	elapsed := parseMillis(input.TotalElapsedMs)
	if elapsed == nil {
		ms := now.Sub(exec.StartedAt).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		elapsed = &ms
	}

	updated := *exec
	updated.Status = ExecutionStatusCompleted
	updated.CompletedAt = &now
	updated.LastEventAt = now
	updated.TotalElapsedMs = elapsed
	updated.ActualTotalKm = ParseDecimal(input.ActualTotalKm)
	updated.RPE = ParseDecimal(input.RPE)
	updated.Comment = normalizeComment(input.Comment)
	if input.PerformedAt != nil {
		updated.PerformedAt = input.PerformedAt
	}

	applied, err := s.executions.Complete(ctx, updated)
	if err != nil {
		return nil, s.reject("complete", storeError("complete execution", err))
	}
	if !applied {
		// Lost a race with a concurrent completion; report what was stored.
		current, err := s.executions.Get(ctx, workout.ID, exec.ID)
		if err != nil {
			return nil, s.reject("complete", storeError("reload execution", err))
		}
		if current == nil {
			return nil, s.reject("complete", notFound("execution"))
		}
		return current, nil
	}

	observability.ExecutionsCompleted.Inc()
	s.logger.WithFields(logrus.Fields{
		"student_id":   student.ID,
		"workout_id":   workout.ID,
		"execution_id": exec.ID,
		"elapsed_ms":   *elapsed,
	}).Info("execution completed")
	return &updated, nil
}

// GetPortalWorkout returns the workout and its current execution for portal
// display. Workouts that are not ready are hidden unless preview is set.
func (s *ExecutionService) GetPortalWorkout(ctx context.Context, access PortalAccess, workoutID string, preview bool) (*PortalView, error) {
	student, workout, err := s.resolve(ctx, access, workoutID)
	if err != nil {
		return nil, err
	}
	if workout.Status != WorkoutStatusReady && !preview {
		return nil, notFound("workout")
	}

	latest, err := s.executions.Latest(ctx, workout.ID)
	if err != nil {
		return nil, storeError("load latest execution", err)
	}
	return &PortalView{Student: *student, Workout: *workout, LastExecution: latest}, nil
}

func (s *ExecutionService) resolve(ctx context.Context, access PortalAccess, workoutID string) (*Student, *Workout, error) {
	if strings.TrimSpace(access.Slug) == "" || strings.TrimSpace(access.Token) == "" {
		return nil, nil, validation("student slug and portal token are required")
	}
	if strings.TrimSpace(workoutID) == "" {
		return nil, nil, validation("workout id is required")
	}

	student, err := s.students.FindPortalStudent(ctx, access.Slug, access.Token)
	if err != nil {
		return nil, nil, storeError("load student", err)
	}
	if student == nil || !student.PortalEnabled || !tokenMatches(student.PortalToken, access.Token) {
		return nil, nil, notFound("student")
	}

	workout, err := s.workouts.FindForStudent(ctx, student.ID, workoutID)
	if err != nil {
		return nil, nil, storeError("load workout", err)
	}
	if workout == nil {
		return nil, nil, notFound("workout")
	}
	if workout.StudentID != student.ID {
		return nil, nil, forbidden("workout belongs to another student")
	}
	return student, workout, nil
}

func (s *ExecutionService) reject(operation string, err error) error {
	observability.ExecutionConflicts.WithLabelValues(operation, string(KindOf(err))).Inc()
	return err
}

func tokenMatches(stored *string, presented string) bool {
	if stored == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*stored), []byte(presented)) == 1
}

func normalizeComment(comment *string) *string {
	if comment == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*comment)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
