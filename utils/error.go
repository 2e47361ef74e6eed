package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError marks malformed rule input (bad operator, bad value shape).
// Rule evaluation itself never returns this; it degrades to no-match. It is
// surfaced only from write paths that persist rules.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConflictError marks state conflicts: starting a session while one is
// already in progress, or transitioning a terminal session.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func NewConflictError(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// GuardViolationError marks a refused completion: the session difference is
// not zero. The session stays in progress.
type GuardViolationError struct {
	Message string
}

func (e *GuardViolationError) Error() string { return e.Message }

func NewGuardViolationError(format string, args ...any) error {
	return &GuardViolationError{Message: fmt.Sprintf(format, args...)}
}

// TransientInfraError wraps persistence or collaborator failures that are
// retry-worthy. Per-transaction occurrences are counted and skipped; a
// run-level occurrence fails the whole attempt.
type TransientInfraError struct {
	Message string
	Err     error
}

func (e *TransientInfraError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

func NewTransientInfraError(message string, err error) error {
	return &TransientInfraError{Message: message, Err: err}
}

// ExhaustedRetriesError marks a run that failed after its bounded attempts.
type ExhaustedRetriesError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("run failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.LastErr }

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsGuardViolation(err error) bool {
	var ge *GuardViolationError
	return errors.As(err, &ge)
}

func IsTransient(err error) bool {
	var te *TransientInfraError
	return errors.As(err, &te)
}
