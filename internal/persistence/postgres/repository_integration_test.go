//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/coaching/internal/domain"
	"example.com/coaching/internal/events"
)

func TestExecutionLifecycleWritesOutbox(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	student, workout := seedPortal(t, ctx, repo)
	service := domain.NewExecutionService(repo, repo, repo)
	access := domain.PortalAccess{Slug: student.PublicSlug, Token: *student.PortalToken}

	exec, created, err := service.StartExecution(ctx, domain.StartExecutionInput{Access: access, WorkoutID: workout.ID})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := service.StartExecution(ctx, domain.StartExecutionInput{Access: access, WorkoutID: workout.ID})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, exec.ID, again.ID)

	done, err := service.CompleteExecution(ctx, domain.CompleteExecutionInput{
		Access:        access,
		WorkoutID:     workout.ID,
		ExecutionID:   exec.ID,
		ActualTotalKm: "5,5",
		RPE:           7,
	})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCompleted, done.Status)

	stored, err := repo.Get(ctx, workout.ID, exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCompleted, stored.Status)
	require.InDelta(t, 5.5, *stored.ActualTotalKm, 1e-9)

	_, _, err = service.StartExecution(ctx, domain.StartExecutionInput{Access: access, WorkoutID: workout.ID})
	require.ErrorIs(t, err, domain.ErrAlreadyCompleted)

	rows, err := pool.Query(ctx, `SELECT event_type FROM outbox WHERE trainer_id=$1 ORDER BY event_id`, student.TrainerID)
	require.NoError(t, err)
	defer rows.Close()
	var types []string
	for rows.Next() {
		var eventType string
		require.NoError(t, rows.Scan(&eventType))
		types = append(types, eventType)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{events.TypeExecutionStarted, events.TypeWorkoutLocked, events.TypeExecutionCompleted}, types)
}

func TestConcurrentStartsShareOneExecution(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)
	student, workout := seedPortal(t, ctx, repo)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			stored, _, err := repo.CreateInProgress(ctx, domain.Execution{
				ID:          uuid.NewString(),
				WorkoutID:   workout.ID,
				StudentID:   student.ID,
				TrainerID:   student.TrainerID,
				StartedAt:   now,
				LastEventAt: now,
			})
			if err == nil {
				ids[i] = stored.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM executions WHERE workout_id=$1`, workout.ID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestDeactivateClearsPortalToken(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)
	student, _ := seedPortal(t, ctx, repo)

	ok, err := repo.Deactivate(ctx, "someone-else", student.ID)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = repo.Deactivate(ctx, student.TrainerID, student.ID)
	require.NoError(t, err)
	require.True(t, ok)

	found, err := repo.FindPortalStudent(ctx, student.PublicSlug, *student.PortalToken)
	require.NoError(t, err)
	require.Nil(t, found)

	roster, err := repo.ListByTrainer(ctx, student.TrainerID)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.False(t, roster[0].IsActive)
}

func seedPortal(t *testing.T, ctx context.Context, repo *Repository) (domain.Student, domain.Workout) {
	t.Helper()
	token := "abc123"
	student := domain.Student{
		ID:            uuid.NewString(),
		TrainerID:     uuid.NewString(),
		Name:          "Joao",
		PublicSlug:    "joao-" + uuid.NewString()[:8],
		PortalToken:   &token,
		PortalEnabled: true,
		IsActive:      true,
	}
	require.NoError(t, repo.SaveStudent(ctx, student))

	workout := domain.Workout{
		ID:        uuid.NewString(),
		StudentID: student.ID,
		TrainerID: student.TrainerID,
		Title:     "Intervals",
		Status:    domain.WorkoutStatusReady,
	}
	require.NoError(t, repo.SaveWorkout(ctx, workout))
	return student, workout
}

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("coaching"),
		postgrescontainer.WithUsername("coach"),
		postgrescontainer.WithPassword("coach"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))
	require.NoError(t, Migrate(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
