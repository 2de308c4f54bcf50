// Package errors provides error handling for metronome.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints for operators
//
// Usage:
//
//	// Wrap with context
//	if err := store.CreateJob(job); err != nil {
//	    return errors.Wrapf(err, "failed to create job %s", job.ID)
//	}
//
//	// Classify for the API layer
//	if errors.Is(err, errors.ErrNotFound) {
//	    // 404
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	Mark           = crdb.Mark
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Error kinds shared by the stores, the run manager and the API layer.
// Wrap these with errors.Wrap() to add context while preserving the kind.
var (
	// ErrNotFound indicates a job, schedule or run id does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates a duplicate id on create, or a change that collides
	// with current state (active runs, immutable fields)
	ErrConflict = New("conflict")

	// ErrInvalidRequest indicates the request was malformed or failed validation
	ErrInvalidRequest = New("invalid request")

	// ErrInvalidSchedule indicates a malformed cron expression or timezone
	ErrInvalidSchedule = New("invalid schedule")

	// ErrNoEligibleHost indicates placement found no host satisfying the job
	ErrNoEligibleHost = New("no eligible host")

	// ErrAlreadyTerminal indicates a run already reached a terminal status.
	// Kill treats it as success.
	ErrAlreadyTerminal = New("run already terminal")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsInvalidScheduleError checks if an error is or wraps ErrInvalidSchedule
func IsInvalidScheduleError(err error) bool {
	return err != nil && Is(err, ErrInvalidSchedule)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewInvalidScheduleError creates an invalid-schedule error with a formatted message
func NewInvalidScheduleError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidSchedule, Newf(format, args...).Error())
}

// Kind returns a short machine-readable name for the error's kind.
// Returns "internal" when the error wraps none of the known kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrNotFound):
		return "not_found"
	case Is(err, ErrConflict):
		return "conflict"
	case Is(err, ErrInvalidSchedule):
		return "invalid_schedule"
	case Is(err, ErrInvalidRequest):
		return "invalid_request"
	case Is(err, ErrNoEligibleHost):
		return "no_eligible_host"
	case Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case Is(err, ErrTimeout):
		return "timeout"
	case Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	default:
		return "internal"
	}
}
