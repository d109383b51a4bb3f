// Package api exposes HTTP handlers for the student portal and trainer access management.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"example.com/coaching/internal/auth"
	"example.com/coaching/internal/domain"
)

// PortalTokenHeader carries the portal token when it is not in the query string.
const PortalTokenHeader = "X-Portal-Token"

// Handler coordinates HTTP requests with the domain services.
type Handler struct {
	executions *domain.ExecutionService
	access     *domain.AccessService
	logger     logrus.FieldLogger
}

// NewHandler builds a Handler.
func NewHandler(executions *domain.ExecutionService, access *domain.AccessService, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		executions: executions,
		access:     access,
		logger:     logger.WithField("component", "api"),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/portal/{slug}/workouts/{workoutID}", h.getPortalWorkout)
	mux.HandleFunc("POST /v1/portal/{slug}/workouts/{workoutID}/executions", h.startExecution)
	mux.HandleFunc("POST /v1/portal/{slug}/workouts/{workoutID}/executions/{executionID}/complete", h.completeExecution)

	mux.HandleFunc("POST /v1/trainer/access/reconcile", h.reconcileAccess)
	mux.HandleFunc("GET /v1/trainer/access/reconcile", h.lastReconciliation)
	mux.HandleFunc("POST /v1/trainer/students/{studentID}/revoke", h.revokeAccess)

	mux.HandleFunc("GET /healthz", healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) getPortalWorkout(w http.ResponseWriter, r *http.Request) {
	preview, _ := strconv.ParseBool(r.URL.Query().Get("preview"))

	view, err := h.executions.GetPortalWorkout(r.Context(), portalAccess(r), r.PathValue("workoutID"), preview)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPortalWorkoutView(*view))
}

func (h *Handler) startExecution(w http.ResponseWriter, r *http.Request) {
	var req StartExecutionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	performedAt, err := parsePerformedAt(req.PerformedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	exec, created, err := h.executions.StartExecution(r.Context(), domain.StartExecutionInput{
		Access:      portalAccess(r),
		WorkoutID:   r.PathValue("workoutID"),
		PerformedAt: performedAt,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, StartExecutionResponse{
		Execution: toExecutionView(*exec),
		Created:   created,
	})
}

func (h *Handler) completeExecution(w http.ResponseWriter, r *http.Request) {
	var req CompleteExecutionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	performedAt, err := parsePerformedAt(req.PerformedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	exec, err := h.executions.CompleteExecution(r.Context(), domain.CompleteExecutionInput{
		Access:         portalAccess(r),
		WorkoutID:      r.PathValue("workoutID"),
		ExecutionID:    r.PathValue("executionID"),
		PerformedAt:    performedAt,
		ActualTotalKm:  req.ActualTotalKm,
		RPE:            req.RPE,
		Comment:        req.Comment,
		TotalElapsedMs: req.TotalElapsedMs,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionView(*exec))
}

func (h *Handler) reconcileAccess(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireTrainer(w, r)
	if !ok {
		return
	}
	if claims.Email == "" {
		writeError(w, http.StatusForbidden, "forbidden", "token carries no trainer email")
		return
	}

	summary, err := h.access.ReconcileAccess(r.Context(), domain.Trainer{ID: claims.Subject, Email: claims.Email})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) lastReconciliation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireTrainer(w, r)
	if !ok {
		return
	}

	summary, err := h.access.LastReconciliation(r.Context(), claims.Subject)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) revokeAccess(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireTrainer(w, r)
	if !ok {
		return
	}

	if err := h.access.RevokePortalAccess(r.Context(), claims.Subject, r.PathValue("studentID")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireTrainer(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeAccessManage) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeAccessManage+" required")
		return nil, false
	}
	return claims, true
}

// writeDomainError maps a service error onto a status code. Internal causes
// are logged and never echoed to the caller.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, string(kind), domain.PublicMessage(err))
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func portalAccess(r *http.Request) domain.PortalAccess {
	token := r.Header.Get(PortalTokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return domain.PortalAccess{Slug: r.PathValue("slug"), Token: token}
}

// decodeOptionalBody decodes a JSON body when one is present.
func decodeOptionalBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// parsePerformedAt accepts a calendar date or an RFC 3339 timestamp.
func parsePerformedAt(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	value := strings.TrimSpace(*raw)
	if parsed, err := time.Parse(time.DateOnly, value); err == nil {
		return &parsed, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, errors.New("performed_at must be YYYY-MM-DD or RFC 3339")
	}
	return &parsed, nil
}

// StartExecutionRequest is the optional payload for starting a workout.
type StartExecutionRequest struct {
	PerformedAt *string `json:"performed_at"`
}

// StartExecutionResponse describes the response body for start.
type StartExecutionResponse struct {
	Execution ExecutionView `json:"execution"`
	Created   bool          `json:"created"`
}

// CompleteExecutionRequest is the payload for finishing a workout. Numeric
// fields accept numbers or strings such as "12,5".
type CompleteExecutionRequest struct {
	PerformedAt    *string `json:"performed_at"`
	ActualTotalKm  any     `json:"actual_total_km"`
	RPE            any     `json:"rpe"`
	Comment        *string `json:"comment"`
	TotalElapsedMs any     `json:"total_elapsed_ms"`
}

// ExecutionView exposes an execution to the portal.
type ExecutionView struct {
	ExecutionID    string     `json:"execution_id"`
	WorkoutID      string     `json:"workout_id"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	LastEventAt    time.Time  `json:"last_event_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	PerformedAt    *string    `json:"performed_at,omitempty"`
	TotalElapsedMs *int64     `json:"total_elapsed_ms,omitempty"`
	ActualTotalKm  *float64   `json:"actual_total_km,omitempty"`
	RPE            *float64   `json:"rpe,omitempty"`
	Comment        *string    `json:"comment,omitempty"`
}

// PortalWorkoutView is the student-facing rendering of a workout.
type PortalWorkoutView struct {
	StudentName   string         `json:"student_name"`
	WorkoutID     string         `json:"workout_id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	Locked        bool           `json:"locked"`
	LockedAt      *time.Time     `json:"locked_at,omitempty"`
	LastExecution *ExecutionView `json:"last_execution,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toExecutionView(exec domain.Execution) ExecutionView {
	view := ExecutionView{
		ExecutionID:    exec.ID,
		WorkoutID:      exec.WorkoutID,
		Status:         string(exec.Status),
		StartedAt:      exec.StartedAt,
		LastEventAt:    exec.LastEventAt,
		CompletedAt:    exec.CompletedAt,
		TotalElapsedMs: exec.TotalElapsedMs,
		ActualTotalKm:  exec.ActualTotalKm,
		RPE:            exec.RPE,
		Comment:        exec.Comment,
	}
	if exec.PerformedAt != nil {
		date := exec.PerformedAt.Format(time.DateOnly)
		view.PerformedAt = &date
	}
	return view
}

func toPortalWorkoutView(view domain.PortalView) PortalWorkoutView {
	out := PortalWorkoutView{
		StudentName: view.Student.Name,
		WorkoutID:   view.Workout.ID,
		Title:       view.Workout.Title,
		Status:      string(view.Workout.Status),
		Locked:      view.Workout.Locked(),
		LockedAt:    view.Workout.LockedAt,
	}
	if view.LastExecution != nil {
		last := toExecutionView(*view.LastExecution)
		out.LastExecution = &last
	}
	return out
}
