package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"example.com/coaching/internal/auth"
	"example.com/coaching/internal/domain"
	"example.com/coaching/internal/persistence/memory"
)

var authCfg = auth.Config{Secret: "test-secret", Issuer: "coaching.test"}

type stubProvider struct {
	mu      sync.Mutex
	invited []string
}

func (p *stubProvider) InviteUser(ctx context.Context, email, redirectTo string, metadata map[string]any) (*domain.AuthAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invited = append(p.invited, email)
	return &domain.AuthAccount{ID: "acct-" + email, Email: email}, nil
}

func (p *stubProvider) GetUser(ctx context.Context, accountID string) (*domain.AuthAccount, error) {
	return nil, domain.ErrAccountNotFound
}

func (p *stubProvider) UpdateUserMetadata(ctx context.Context, accountID string, metadata map[string]any) error {
	return nil
}

func (p *stubProvider) SendPasswordReset(ctx context.Context, email, redirectTo string) error {
	return nil
}

type stubSummaries struct {
	mu    sync.Mutex
	saved map[string]domain.ReconcileSummary
}

func (s *stubSummaries) SaveSummary(ctx context.Context, trainerID string, summary domain.ReconcileSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]domain.ReconcileSummary)
	}
	s.saved[trainerID] = summary
	return nil
}

func (s *stubSummaries) LoadSummary(ctx context.Context, trainerID string) (*domain.ReconcileSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.saved[trainerID]
	if !ok {
		return nil, nil
	}
	return &summary, nil
}

type fixture struct {
	store    *memory.Store
	provider *stubProvider
	server   http.Handler
	workout  domain.Workout
	draft    domain.Workout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	token := "tok-123"
	email := "joao@example.com"
	student := store.PutStudent(domain.Student{
		ID:            "s-1",
		TrainerID:     "t-1",
		Name:          "Joao",
		Email:         &email,
		PublicSlug:    "joao",
		PortalToken:   &token,
		PortalEnabled: true,
		IsActive:      true,
	})
	ready := store.PutWorkout(domain.Workout{ID: "w-ready", StudentID: student.ID, TrainerID: "t-1", Title: "Tempo run", Status: domain.WorkoutStatusReady})
	draft := store.PutWorkout(domain.Workout{ID: "w-draft", StudentID: student.ID, TrainerID: "t-1", Title: "Long run", Status: domain.WorkoutStatusDraft})

	logger, _ := test.NewNullLogger()
	provider := &stubProvider{}
	executions := domain.NewExecutionService(store, store, store, domain.WithExecutionLogger(logger))
	access := domain.NewAccessService(store, provider, "https://coach.example.com/first-access",
		domain.WithSummaryStore(&stubSummaries{}),
		domain.WithAccessLogger(logger),
	)

	mux := http.NewServeMux()
	NewHandler(executions, access, logger).RegisterRoutes(mux)
	return &fixture{
		store:    store,
		provider: provider,
		server:   auth.NewMiddleware(authCfg).Wrap(mux),
		workout:  ready,
		draft:    draft,
	}
}

func (f *fixture) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	return rr
}

func portalHeader() http.Header {
	return http.Header{PortalTokenHeader: []string{"tok-123"}}
}

func bearer(t *testing.T, scopes ...string) http.Header {
	t.Helper()
	token, err := auth.Sign(authCfg, "t-1", "coach@example.com", scopes, time.Hour)
	require.NoError(t, err)
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestStartExecutionCreatesThenReuses(t *testing.T) {
	f := newFixture(t)

	first := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions", `{"performed_at":"2025-09-01"}`, portalHeader())
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decode[StartExecutionResponse](t, first)
	require.True(t, created.Created)
	require.Equal(t, "in_progress", created.Execution.Status)
	require.Equal(t, "2025-09-01", *created.Execution.PerformedAt)

	second := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions?token=tok-123", "", nil)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	reused := decode[StartExecutionResponse](t, second)
	require.False(t, reused.Created)
	require.Equal(t, created.Execution.ExecutionID, reused.Execution.ExecutionID)

	workout, _ := f.store.Workout("w-ready")
	require.True(t, workout.Locked())
}

func TestStartExecutionRejectsBadAccess(t *testing.T) {
	f := newFixture(t)

	wrong := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions", "", http.Header{PortalTokenHeader: []string{"nope"}})
	require.Equal(t, http.StatusNotFound, wrong.Code)

	missing := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions", "", nil)
	require.Equal(t, http.StatusBadRequest, missing.Code)
	require.Equal(t, "validation_failed", decode[map[string]string](t, missing)["type"])

	badDate := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions", `{"performed_at":"yesterday"}`, portalHeader())
	require.Equal(t, http.StatusBadRequest, badDate.Code)
}

func TestCompleteExecutionParsesLooseNumbers(t *testing.T) {
	f := newFixture(t)

	start := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions", "", portalHeader())
	require.Equal(t, http.StatusCreated, start.Code)
	id := decode[StartExecutionResponse](t, start).Execution.ExecutionID

	body := `{"actual_total_km":"12,5","rpe":7,"comment":"  felt strong ","total_elapsed_ms":"3600000"}`
	done := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions/"+id+"/complete", body, portalHeader())
	require.Equal(t, http.StatusOK, done.Code, done.Body.String())

	view := decode[ExecutionView](t, done)
	require.Equal(t, "completed", view.Status)
	require.InDelta(t, 12.5, *view.ActualTotalKm, 1e-9)
	require.InDelta(t, 7, *view.RPE, 1e-9)
	require.Equal(t, "felt strong", *view.Comment)
	require.Equal(t, int64(3600000), *view.TotalElapsedMs)

	again := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions/"+id+"/complete", `{"actual_total_km":"99"}`, portalHeader())
	require.Equal(t, http.StatusOK, again.Code)
	require.InDelta(t, 12.5, *decode[ExecutionView](t, again).ActualTotalKm, 1e-9)

	restart := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions", "", portalHeader())
	require.Equal(t, http.StatusConflict, restart.Code)
	require.Equal(t, "workout already completed", decode[map[string]string](t, restart)["detail"])
}

func TestCompleteUnknownExecution(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/portal/joao/workouts/w-ready/executions/missing/complete", "", portalHeader())
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPortalWorkoutHidesDraftUnlessPreview(t *testing.T) {
	f := newFixture(t)

	hidden := f.do(t, http.MethodGet, "/v1/portal/joao/workouts/w-draft", "", portalHeader())
	require.Equal(t, http.StatusNotFound, hidden.Code)

	preview := f.do(t, http.MethodGet, "/v1/portal/joao/workouts/w-draft?preview=true", "", portalHeader())
	require.Equal(t, http.StatusOK, preview.Code)
	view := decode[PortalWorkoutView](t, preview)
	require.Equal(t, "Long run", view.Title)
	require.False(t, view.Locked)
	require.Nil(t, view.LastExecution)

	ready := f.do(t, http.MethodGet, "/v1/portal/joao/workouts/w-ready", "", portalHeader())
	require.Equal(t, http.StatusOK, ready.Code)
	require.Equal(t, "Joao", decode[PortalWorkoutView](t, ready).StudentName)
}

func TestTrainerRoutesRequireTokenAndScope(t *testing.T) {
	f := newFixture(t)

	anonymous := f.do(t, http.MethodPost, "/v1/trainer/access/reconcile", "", nil)
	require.Equal(t, http.StatusUnauthorized, anonymous.Code)

	unscoped := f.do(t, http.MethodPost, "/v1/trainer/access/reconcile", "", bearer(t, "students:read"))
	require.Equal(t, http.StatusForbidden, unscoped.Code)
	require.Empty(t, f.provider.invited)
}

func TestReconcileAccessThenReadSummary(t *testing.T) {
	f := newFixture(t)
	header := bearer(t, auth.ScopeAccessManage)

	missing := f.do(t, http.MethodGet, "/v1/trainer/access/reconcile", "", header)
	require.Equal(t, http.StatusNotFound, missing.Code)

	run := f.do(t, http.MethodPost, "/v1/trainer/access/reconcile", "", header)
	require.Equal(t, http.StatusOK, run.Code, run.Body.String())
	summary := decode[domain.ReconcileSummary](t, run)
	require.Equal(t, 1, summary.Invited)
	require.Equal(t, "t-1", summary.TrainerID)
	require.Equal(t, []string{"joao@example.com"}, f.provider.invited)

	cached := f.do(t, http.MethodGet, "/v1/trainer/access/reconcile", "", header)
	require.Equal(t, http.StatusOK, cached.Code)
	require.Equal(t, summary.Message, decode[domain.ReconcileSummary](t, cached).Message)
}

func TestRevokeAccessDisablesPortal(t *testing.T) {
	f := newFixture(t)
	header := bearer(t, auth.ScopeAccessManage)

	rr := f.do(t, http.MethodPost, "/v1/trainer/students/s-1/revoke", "", header)
	require.Equal(t, http.StatusNoContent, rr.Code)

	again := f.do(t, http.MethodPost, "/v1/trainer/students/s-404/revoke", "", header)
	require.Equal(t, http.StatusNotFound, again.Code)

	portal := f.do(t, http.MethodGet, "/v1/portal/joao/workouts/w-ready", "", portalHeader())
	require.Equal(t, http.StatusNotFound, portal.Code)
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}

func TestStatusForKind(t *testing.T) {
	require.Equal(t, http.StatusBadGateway, statusForKind(domain.KindProvider))
	require.Equal(t, http.StatusInternalServerError, statusForKind(domain.KindStore))
	require.Equal(t, http.StatusConflict, statusForKind(domain.KindConflict))
}
