package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"example.com/coaching/internal/observability"
)

const defaultReconcileWorkers = 4

// AccessService keeps student login access aligned with the identity provider.
type AccessService struct {
	students    StudentRepository
	provider    IdentityProvider
	summaries   SummaryStore
	redirectURL string
	workers     int
	now         func() time.Time
	logger      logrus.FieldLogger
}

// AccessOption configures optional behaviour for AccessService.
type AccessOption func(*AccessService)

// WithSummaryStore remembers the last summary per trainer.
func WithSummaryStore(store SummaryStore) AccessOption {
	return func(s *AccessService) {
		s.summaries = store
	}
}

// WithWorkers bounds how many students are reconciled concurrently.
func WithWorkers(n int) AccessOption {
	return func(s *AccessService) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithAccessLogger overrides the logger.
func WithAccessLogger(logger logrus.FieldLogger) AccessOption {
	return func(s *AccessService) {
		s.logger = logger
	}
}

// WithAccessClock overrides the time source.
func WithAccessClock(now func() time.Time) AccessOption {
	return func(s *AccessService) {
		s.now = now
	}
}

// NewAccessService constructs an AccessService. redirectURL is where invite
// and reset emails send the student to set a password.
func NewAccessService(students StudentRepository, provider IdentityProvider, redirectURL string, opts ...AccessOption) *AccessService {
	s := &AccessService{
		students:    students,
		provider:    provider,
		redirectURL: redirectURL,
		workers:     defaultReconcileWorkers,
		now:         time.Now,
		logger:      discardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReconcileAccess classifies every student of the trainer and invites or
// re-sends access where needed. Per-student failures are collected in the
// summary; only a failure to load the roster aborts the run.
func (s *AccessService) ReconcileAccess(ctx context.Context, trainer Trainer) (*ReconcileSummary, error) {
	if strings.TrimSpace(trainer.ID) == "" {
		return nil, validation("trainer id is required")
	}
	if strings.TrimSpace(trainer.Email) == "" {
		return nil, validation("trainer email is required")
	}

	start := s.now()
	roster, err := s.students.ListByTrainer(ctx, trainer.ID)
	if err != nil {
		return nil, storeError("load students", err)
	}

	results := make([]accessResult, len(roster))
	var group errgroup.Group
	group.SetLimit(s.workers)
	for i, student := range roster {
		group.Go(func() error {
			results[i] = s.reconcileStudent(ctx, trainer, student)
			return nil
		})
	}
	_ = group.Wait()

	summary := foldResults(trainer.ID, results)
	summary.ReconciledAt = start.UTC()
	for _, result := range results {
		observability.ReconcileOutcomes.WithLabelValues(string(result.outcome())).Inc()
	}
	observability.RecordReconcileRun(start, s.now())

	if s.summaries != nil {
		if err := s.summaries.SaveSummary(ctx, trainer.ID, summary); err != nil {
			s.logger.WithError(err).WithField("trainer_id", trainer.ID).Warn("failed to cache reconcile summary")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"trainer_id":     trainer.ID,
		"invited":        summary.Invited,
		"resent":         summary.Resent,
		"skipped_active": summary.SkippedActive,
		"missing_email":  len(summary.MissingEmail),
		"errors":         len(summary.Errors),
	}).Info("access reconciliation finished")
	return &summary, nil
}

// LastReconciliation returns the most recent cached summary for the trainer.
func (s *AccessService) LastReconciliation(ctx context.Context, trainerID string) (*ReconcileSummary, error) {
	if strings.TrimSpace(trainerID) == "" {
		return nil, validation("trainer id is required")
	}
	if s.summaries == nil {
		return nil, notFound("reconciliation summary")
	}
	summary, err := s.summaries.LoadSummary(ctx, trainerID)
	if err != nil {
		return nil, storeError("load reconciliation summary", err)
	}
	if summary == nil {
		return nil, notFound("reconciliation summary")
	}
	return summary, nil
}

// RevokePortalAccess deactivates a student: the portal is disabled and the
// token cleared so existing links stop working.
func (s *AccessService) RevokePortalAccess(ctx context.Context, trainerID, studentID string) error {
	if strings.TrimSpace(trainerID) == "" || strings.TrimSpace(studentID) == "" {
		return validation("trainer id and student id are required")
	}
	ok, err := s.students.Deactivate(ctx, trainerID, studentID)
	if err != nil {
		return storeError("deactivate student", err)
	}
	if !ok {
		return notFound("student")
	}
	s.logger.WithFields(logrus.Fields{
		"trainer_id": trainerID,
		"student_id": studentID,
	}).Info("student portal access revoked")
	return nil
}

func (s *AccessService) reconcileStudent(ctx context.Context, trainer Trainer, student Student) accessResult {
	ref := StudentRef{ID: student.ID, Name: student.Name}
	log := s.logger.WithFields(logrus.Fields{
		"trainer_id": trainer.ID,
		"student_id": student.ID,
	})

	email := ""
	if student.Email != nil {
		email = strings.TrimSpace(*student.Email)
	}
	if email == "" {
		return missingEmailResult{student: ref}
	}
	if strings.EqualFold(email, strings.TrimSpace(trainer.Email)) {
		log.Warn("student email matches trainer email")
		return erroredResult{student: ref, message: "email collision with trainer"}
	}

	metadata := displayNameMetadata(student.Name)

	if student.AuthAccountID == nil || strings.TrimSpace(*student.AuthAccountID) == "" {
		return s.invite(ctx, log, ref, student.ID, email, metadata)
	}

	account, err := s.provider.GetUser(ctx, *student.AuthAccountID)
	if errors.Is(err, ErrAccountNotFound) || (err == nil && account == nil) {
		log.Info("linked auth account missing, re-inviting")
		return s.invite(ctx, log, ref, student.ID, email, metadata)
	}
	if err != nil {
		log.WithError(err).Warn("auth account lookup failed")
		return erroredResult{student: ref, message: err.Error()}
	}

	if account.HasSignedIn() {
		return skippedActiveResult{student: ref}
	}

	if err := s.provider.UpdateUserMetadata(ctx, account.ID, metadata); err != nil {
		log.WithError(err).Warn("updating auth account metadata failed")
		return erroredResult{student: ref, message: err.Error()}
	}
	if err := s.provider.SendPasswordReset(ctx, email, s.redirectURL); err != nil {
		log.WithError(err).Warn("sending access email failed")
		return erroredResult{student: ref, message: err.Error()}
	}
	log.Info("access email re-sent")
	return resentResult{student: ref}
}

func (s *AccessService) invite(ctx context.Context, log logrus.FieldLogger, ref StudentRef, studentID, email string, metadata map[string]any) accessResult {
	account, err := s.provider.InviteUser(ctx, email, s.redirectURL, metadata)
	if err != nil {
		log.WithError(err).Warn("invite failed")
		return erroredResult{student: ref, message: err.Error()}
	}
	if account == nil || account.ID == "" {
		return erroredResult{student: ref, message: "identity provider returned no account id"}
	}
	if err := s.students.LinkAuthAccount(ctx, studentID, account.ID); err != nil {
		log.WithError(err).WithField("auth_account_id", account.ID).Error("invited but linking account failed")
		return erroredResult{student: ref, message: "invited but failed to link account: " + err.Error()}
	}
	log.WithField("auth_account_id", account.ID).Info("student invited")
	return invitedResult{student: ref}
}

func displayNameMetadata(name string) map[string]any {
	// cases.Caser keeps state, so each call gets its own.
	caser := cases.Title(language.Und, cases.NoLower)
	hint := caser.String(strings.Join(strings.Fields(name), " "))
	return map[string]any{
		"display_name": hint,
		"role":         "student",
	}
}
