package domain

import (
	"fmt"
	"time"
)

// Outcome is the per-student result class of a reconciliation run.
type Outcome string

const (
	OutcomeInvited       Outcome = "invited"
	OutcomeResent        Outcome = "resent"
	OutcomeSkippedActive Outcome = "skipped_active"
	OutcomeMissingEmail  Outcome = "missing_email"
	OutcomeErrored       Outcome = "errored"
)

// StudentRef names a student in a summary.
type StudentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StudentFailure is a student whose reconciliation failed.
type StudentFailure struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ReconcileSummary aggregates one reconciliation run.
type ReconcileSummary struct {
	TrainerID     string           `json:"trainer_id"`
	Invited       int              `json:"invited"`
	Resent        int              `json:"resent"`
	SkippedActive int              `json:"skipped_active"`
	MissingEmail  []StudentRef     `json:"missing_email"`
	Errors        []StudentFailure `json:"errors"`
	Message       string           `json:"summary_message"`
	ReconciledAt  time.Time        `json:"reconciled_at"`
}

// accessResult is the closed set of per-student outcomes. Each variant knows
// how to fold itself into a summary.
type accessResult interface {
	outcome() Outcome
	apply(*ReconcileSummary)
}

type invitedResult struct{ student StudentRef }

type resentResult struct{ student StudentRef }

type skippedActiveResult struct{ student StudentRef }

type missingEmailResult struct{ student StudentRef }

type erroredResult struct {
	student StudentRef
	message string
}

func (invitedResult) outcome() Outcome       { return OutcomeInvited }
func (resentResult) outcome() Outcome        { return OutcomeResent }
func (skippedActiveResult) outcome() Outcome { return OutcomeSkippedActive }
func (missingEmailResult) outcome() Outcome  { return OutcomeMissingEmail }
func (erroredResult) outcome() Outcome       { return OutcomeErrored }

func (invitedResult) apply(s *ReconcileSummary)       { s.Invited++ }
func (resentResult) apply(s *ReconcileSummary)        { s.Resent++ }
func (skippedActiveResult) apply(s *ReconcileSummary) { s.SkippedActive++ }

func (r missingEmailResult) apply(s *ReconcileSummary) {
	s.MissingEmail = append(s.MissingEmail, r.student)
}

func (r erroredResult) apply(s *ReconcileSummary) {
	s.Errors = append(s.Errors, StudentFailure{ID: r.student.ID, Name: r.student.Name, Message: r.message})
}

func foldResults(trainerID string, results []accessResult) ReconcileSummary {
	summary := ReconcileSummary{
		TrainerID:    trainerID,
		MissingEmail: []StudentRef{},
		Errors:       []StudentFailure{},
	}
	for _, result := range results {
		if result == nil {
			continue
		}
		result.apply(&summary)
	}
	summary.Message = summaryMessage(summary)
	return summary
}

func summaryMessage(s ReconcileSummary) string {
	total := s.Invited + s.Resent + s.SkippedActive + len(s.MissingEmail) + len(s.Errors)
	if total == 0 {
		return "no students to reconcile"
	}
	return fmt.Sprintf("%d invited, %d access resent, %d already active, %d missing email, %d failed",
		s.Invited, s.Resent, s.SkippedActive, len(s.MissingEmail), len(s.Errors))
}
