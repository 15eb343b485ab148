// Package services implements the control plane of the engine: publishing workflows,
// starting sessions, retrying and canceling attempts, and the queries behind the HTTP API.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/flowkeeper/pkg/persistence"
)

var (
	// Rejected input.
	ErrInvalidRequest  = errors.New("invalid request")
	ErrWorkflowNil     = errors.New("workflow cannot be nil")
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrInvalidTask     = errors.New("invalid task configuration")

	// Requests that conflict with the current state of a session.
	ErrSessionExists      = errors.New("session already exists")
	ErrAttemptRunning     = errors.New("attempt is still running")
	ErrAttemptNotFinished = errors.New("attempt has not finished")

	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

// ServiceError carries the failing operation and a machine readable code alongside the
// sentinel it wraps, so errors.Is still classifies it.
type ServiceError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError reports whether err rejects the caller's input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, ErrInvalidWorkflow) ||
		errors.Is(err, ErrInvalidTask)
}

// IsConflictError reports whether err conflicts with the state of a session or attempt.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrSessionExists) ||
		errors.Is(err, ErrAttemptRunning) ||
		errors.Is(err, ErrAttemptNotFinished) ||
		persistence.IsAttemptConflict(err)
}

// IsNotFoundError reports whether err names a missing workflow, schedule, session, attempt or task.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err)
}

// NewValidationError wraps err, which should join one of the input sentinels.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
