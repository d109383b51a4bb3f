// Package memory provides an in-process store for local development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/coaching/internal/domain"
)

// Store keeps students, workouts and executions in maps guarded by a single
// mutex, so read-then-write sequences inside one method are atomic.
type Store struct {
	mu         sync.RWMutex
	students   map[string]domain.Student
	workouts   map[string]domain.Workout
	executions map[string]storedExecution
	seq        int64
}

type storedExecution struct {
	execution domain.Execution
	seq       int64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		students:   make(map[string]domain.Student),
		workouts:   make(map[string]domain.Workout),
		executions: make(map[string]storedExecution),
	}
}

// PutStudent inserts or replaces a student, assigning an id if missing.
func (s *Store) PutStudent(student domain.Student) domain.Student {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(student.ID) == "" {
		student.ID = uuid.NewString()
	}
	s.students[student.ID] = student
	return student
}

// PutWorkout inserts or replaces a workout, assigning an id if missing.
func (s *Store) PutWorkout(workout domain.Workout) domain.Workout {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(workout.ID) == "" {
		workout.ID = uuid.NewString()
	}
	if workout.Status == "" {
		workout.Status = domain.WorkoutStatusDraft
	}
	s.workouts[workout.ID] = workout
	return workout
}

// Student returns a copy of the stored student.
func (s *Store) Student(id string) (domain.Student, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	student, ok := s.students[id]
	return student, ok
}

// Workout returns a copy of the stored workout.
func (s *Store) Workout(id string) (domain.Workout, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workout, ok := s.workouts[id]
	return workout, ok
}

// Executions returns every execution recorded for the workout, oldest first.
func (s *Store) Executions(workoutID string) []domain.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.executionsFor(workoutID)
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]domain.Execution, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.execution)
	}
	return out
}

// FindPortalStudent implements domain.StudentRepository.
func (s *Store) FindPortalStudent(ctx context.Context, slug, token string) (*domain.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, student := range s.students {
		if student.PublicSlug != slug || !student.PortalEnabled {
			continue
		}
		if student.PortalToken == nil || *student.PortalToken != token {
			continue
		}
		found := student
		return &found, nil
	}
	return nil, nil
}

// ListByTrainer implements domain.StudentRepository.
func (s *Store) ListByTrainer(ctx context.Context, trainerID string) ([]domain.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Student, 0)
	for _, student := range s.students {
		if student.TrainerID == trainerID {
			out = append(out, student)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LinkAuthAccount implements domain.StudentRepository.
func (s *Store) LinkAuthAccount(ctx context.Context, studentID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	student, ok := s.students[studentID]
	if !ok {
		return nil
	}
	student.AuthAccountID = &accountID
	s.students[studentID] = student
	return nil
}

// Deactivate implements domain.StudentRepository.
func (s *Store) Deactivate(ctx context.Context, trainerID, studentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	student, ok := s.students[studentID]
	if !ok || student.TrainerID != trainerID {
		return false, nil
	}
	student.IsActive = false
	student.PortalEnabled = false
	student.PortalToken = nil
	s.students[studentID] = student
	return true, nil
}

// FindForStudent implements domain.WorkoutRepository.
func (s *Store) FindForStudent(ctx context.Context, studentID, workoutID string) (*domain.Workout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workout, ok := s.workouts[workoutID]
	if !ok || workout.StudentID != studentID {
		return nil, nil
	}
	return &workout, nil
}

// LockIfUnlocked implements domain.WorkoutRepository.
func (s *Store) LockIfUnlocked(ctx context.Context, workoutID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workout, ok := s.workouts[workoutID]
	if !ok || workout.LockedAt != nil {
		return false, nil
	}
	locked := at
	workout.LockedAt = &locked
	s.workouts[workoutID] = workout
	return true, nil
}

// Latest implements domain.ExecutionRepository.
func (s *Store) Latest(ctx context.Context, workoutID string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestLocked(workoutID), nil
}

// Get implements domain.ExecutionRepository.
func (s *Store) Get(ctx context.Context, workoutID, executionID string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.executions[executionID]
	if !ok || row.execution.WorkoutID != workoutID {
		return nil, nil
	}
	exec := row.execution
	return &exec, nil
}

// CreateInProgress implements domain.ExecutionRepository.
func (s *Store) CreateInProgress(ctx context.Context, exec domain.Execution) (*domain.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.executionsFor(exec.WorkoutID) {
		if row.execution.Status == domain.ExecutionStatusInProgress {
			existing := row.execution
			return &existing, false, nil
		}
	}

	s.seq++
	s.executions[exec.ID] = storedExecution{execution: exec, seq: s.seq}
	return &exec, true, nil
}

// Complete implements domain.ExecutionRepository.
func (s *Store) Complete(ctx context.Context, exec domain.Execution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.executions[exec.ID]
	if !ok || row.execution.Status != domain.ExecutionStatusInProgress {
		return false, nil
	}
	row.execution = exec
	s.executions[exec.ID] = row
	return true, nil
}

func (s *Store) latestLocked(workoutID string) *domain.Execution {
	rows := s.executionsFor(workoutID)
	if len(rows) == 0 {
		return nil
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.execution.LastEventAt.Equal(b.execution.LastEventAt) {
			return a.execution.LastEventAt.After(b.execution.LastEventAt)
		}
		return a.seq > b.seq
	})
	exec := rows[0].execution
	return &exec
}

func (s *Store) executionsFor(workoutID string) []storedExecution {
	rows := make([]storedExecution, 0)
	for _, row := range s.executions {
		if row.execution.WorkoutID == workoutID {
			rows = append(rows, row)
		}
	}
	return rows
}
