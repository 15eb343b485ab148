// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates no published workflow exists for the given project and name.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrSessionNotFound indicates a session was not found by the given identifier.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAttemptNotFound indicates an attempt was not found by the given identifier.
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrTaskNotFound indicates a task was not found by the given identifier.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRuleNotFound indicates an SLA rule was not found by the given identifier.
	ErrRuleNotFound = errors.New("sla rule not found")

	// ErrScheduleNotFound indicates a schedule was not found.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrAttemptConflict indicates the session already has a non-terminal attempt.
	ErrAttemptConflict = errors.New("session already has a running attempt")

	// ErrNotificationNotFound indicates an outbox notification was not found.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrClaimLost indicates the caller no longer holds the claim on a task or notification.
	ErrClaimLost = errors.New("claim lost")

	// ErrStoreUnavailable indicates a transient store failure; the caller should retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// AttemptError wraps session and attempt errors with additional context.
type AttemptError struct {
	Op        string // Operation being performed (e.g., "OpenAttempt", "CancelAttempt")
	SessionID int64  // Session ID if applicable
	AttemptID int64  // Attempt ID if applicable
	Err       error  // Underlying error
}

func (e *AttemptError) Error() string {
	if e.AttemptID != 0 {
		return fmt.Sprintf("%s operation failed for attempt %d: %v", e.Op, e.AttemptID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for session %d: %v", e.Op, e.SessionID, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for attempt errors.
func (e *AttemptError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewAttemptError creates a new attempt error with context.
func NewAttemptError(op string, attemptID int64, err error) *AttemptError {
	return &AttemptError{
		Op:        op,
		AttemptID: attemptID,
		Err:       err,
	}
}

// NewSessionError creates a new attempt error for session level operations.
func NewSessionError(op string, sessionID int64, err error) *AttemptError {
	return &AttemptError{
		Op:        op,
		SessionID: sessionID,
		Err:       err,
	}
}

// TaskError wraps task-related errors with additional context.
type TaskError struct {
	Op     string // Operation being performed
	TaskID int64  // Task ID
	Owner  string // Claim owner if applicable
	Err    error  // Underlying error
}

func (e *TaskError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("%s operation failed for task %d owned by %s: %v", e.Op, e.TaskID, e.Owner, e.Err)
	}

	return fmt.Sprintf("%s operation failed for task %d: %v", e.Op, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTaskError creates a new task error with context.
func NewTaskError(op string, taskID int64, owner string, err error) *TaskError {
	return &TaskError{
		Op:     op,
		TaskID: taskID,
		Owner:  owner,
		Err:    err,
	}
}

// Unavailable marks err as a transient store failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrAttemptNotFound) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrNotificationNotFound) ||
		errors.Is(err, ErrScheduleNotFound)
}

// IsAttemptConflict checks if an error indicates a session already has a running attempt.
func IsAttemptConflict(err error) bool {
	return errors.Is(err, ErrAttemptConflict)
}

// IsClaimLost checks if an error indicates a claim is no longer held.
func IsClaimLost(err error) bool {
	return errors.Is(err, ErrClaimLost)
}

// IsStoreUnavailable checks if an error is a transient store failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
