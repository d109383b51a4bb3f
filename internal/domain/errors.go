package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the core.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation_failed"
	KindProvider   Kind = "provider_error"
	KindStore      Kind = "store_error"
)

// ReasonAlreadyCompleted marks an attempt to restart a finished workout.
const ReasonAlreadyCompleted = "already_completed"

// Error is the structured error returned by services. Detail is safe to
// show to end users; Err carries the underlying cause for logs.
type Error struct {
	Kind   Kind
	Reason string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrProvider         = &Error{Kind: KindProvider}
	ErrStore            = &Error{Kind: KindStore}
	ErrAlreadyCompleted = &Error{Kind: KindConflict, Reason: ReasonAlreadyCompleted}

	// ErrAccountNotFound is returned by identity providers when an account id
	// no longer resolves.
	ErrAccountNotFound = errors.New("auth account not found")
)

func notFound(what string) error {
	return &Error{Kind: KindNotFound, Detail: what + " not found"}
}

func forbidden(detail string) error {
	return &Error{Kind: KindForbidden, Detail: detail}
}

func validation(detail string) error {
	return &Error{Kind: KindValidation, Detail: detail}
}

func storeError(op string, err error) error {
	return &Error{Kind: KindStore, Detail: op, Err: err}
}

func providerError(op string, err error) error {
	return &Error{Kind: KindProvider, Detail: op, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindStore for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindStore
}

// PublicMessage returns a message that is safe to return to API callers.
func PublicMessage(err error) string {
	var de *Error
	if !errors.As(err, &de) {
		return "internal error"
	}
	switch de.Kind {
	case KindStore:
		return "storage unavailable"
	case KindProvider:
		return fmt.Sprintf("identity provider failed: %s", de.Detail)
	}
	if de.Detail != "" {
		return de.Detail
	}
	return string(de.Kind)
}
