// Package persistence provides the storage abstraction shared by every engine component.
// Implementations are the only point of mutual exclusion between processes: task claims,
// SLA triggers and schedule advances are conditional updates in the store.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	SessionRepository() SessionRepository
	TaskRepository() TaskRepository
	SLARepository() SLARepository
	ScheduleRepository() ScheduleRepository
	NotificationRepository() NotificationRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores published workflow definitions.
type WorkflowRepository interface {
	Save(ctx context.Context, definition *models.WorkflowDefinition) error
	Get(ctx context.Context, projectID, name string) (*models.WorkflowDefinition, error)
	List(ctx context.Context, projectID string) ([]*models.WorkflowDefinition, error)
}

// SessionRepository stores sessions and attempts.
type SessionRepository interface {
	// CreateSession returns the existing session for the same key instead of creating a
	// duplicate. created reports whether a new row was inserted.
	CreateSession(ctx context.Context, session *models.Session) (stored *models.Session, created bool, err error)
	SessionByID(ctx context.Context, id int64) (*models.Session, error)

	// OpenAttempt inserts an attempt with its materialized tasks and SLA rules in one
	// transaction. It fails with ErrAttemptConflict if the session has a RUNNING attempt.
	OpenAttempt(
		ctx context.Context,
		sessionID int64,
		options models.AttemptOptions,
		tasks []*models.Task,
		rules []*models.SLARule,
	) (*models.Attempt, error)
	AttemptByID(ctx context.Context, id int64) (*models.Attempt, error)
	AttemptsBySession(ctx context.Context, sessionID int64) ([]*models.Attempt, error)
	RunningAttempts(ctx context.Context) ([]*models.Attempt, error)
}

// TaskResult is what a graph mutation left behind.
type TaskResult struct {
	Task            *models.Task
	Attempt         *models.Attempt
	AttemptFinished bool
}

// TaskRepository owns task state. Every method that changes a task runs the state machine
// over the whole attempt inside one transaction.
type TaskRepository interface {
	// ClaimReadyTasks promotes due RETRY_WAITING tasks, then atomically moves up to limit
	// READY tasks to RUNNING under owner with a lease of the given length. A task is never
	// returned to two callers.
	ClaimReadyTasks(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]*models.Task, error)

	// Heartbeat extends the lease of a task owner still holds. It reports whether a cancel
	// was requested and fails with ErrClaimLost when the claim is gone.
	Heartbeat(ctx context.Context, taskID int64, owner string, leaseUntil time.Time) (cancelRequested bool, err error)

	// RecordTaskResult applies an execution outcome. It fails with ErrClaimLost when owner
	// no longer holds the task.
	RecordTaskResult(ctx context.Context, taskID int64, owner string, outcome models.Outcome, now time.Time) (*TaskResult, error)

	// ReleaseExpiredLeases returns RUNNING tasks whose lease passed to READY.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]*models.Task, error)

	ForceFail(ctx context.Context, taskID int64, info *models.ErrorInfo, allowRetry bool, now time.Time) (*TaskResult, error)
	FailAttempt(ctx context.Context, attemptID int64, info *models.ErrorInfo, now time.Time) (*TaskResult, error)
	RequestTaskCancel(ctx context.Context, taskID int64, now time.Time) (*TaskResult, error)
	RequestAttemptCancel(ctx context.Context, attemptID int64, now time.Time) (*TaskResult, error)

	TaskByID(ctx context.Context, id int64) (*models.Task, error)
	TasksByAttempt(ctx context.Context, attemptID int64) ([]*models.Task, error)
}

// SLARepository stores SLA rules of attempts.
type SLARepository interface {
	RulesByAttempt(ctx context.Context, attemptID int64) ([]*models.SLARule, error)

	// TriggerRule sets triggeredAt if it is still unset and reports whether this call did it.
	// The firing is stored in the same transaction: its alert goes to the notification
	// outbox and its task is added to the attempt if the attempt is still RUNNING and not
	// being canceled.
	TriggerRule(ctx context.Context, ruleID int64, firing models.SLAFiring, now time.Time) (bool, error)
}

// NotificationRepository is the outbox of SLA alerts. A row stays PENDING until a
// notification worker records its delivery outcome.
type NotificationRepository interface {
	// ClaimNotifications leases up to limit PENDING notifications that are unclaimed or
	// whose lease expired, oldest first.
	ClaimNotifications(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]*models.NotificationRecord, error)

	// CompleteNotification records the delivery outcome of a claimed notification. It fails
	// with ErrClaimLost when owner no longer holds the claim.
	CompleteNotification(ctx context.Context, id int64, owner string, outcome models.DeliveryOutcome, now time.Time) error

	Notifications(ctx context.Context, attemptID int64) ([]*models.NotificationRecord, error)
}

// ScheduleRepository stores cron schedules of workflows.
type ScheduleRepository interface {
	SaveSchedule(ctx context.Context, schedule *models.Schedule) error
	ScheduleByWorkflow(ctx context.Context, projectID, workflowName string) (*models.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)

	// AdvanceSchedule moves nextRunAt from expected to next and reports whether this call
	// won. Concurrent schedulers use it to start each tick exactly once.
	AdvanceSchedule(ctx context.Context, id string, expected, next time.Time) (bool, error)
}
