package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/flowkeeper/pkg/eventbus"
	"github.com/dukex/flowkeeper/pkg/events"
	"github.com/dukex/flowkeeper/pkg/graph"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/retry"
	"github.com/dukex/flowkeeper/pkg/sla"
	"github.com/go-playground/validator/v10"
)

// Session starts, retries and cancels sessions and their attempts.
type Session struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewSession creates a new session service.
func NewSession(persistence persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Session {
	if publisher == nil {
		publisher = eventbus.Nop()
	}

	return &Session{
		persistence: persistence,
		publisher:   publisher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "session_service"),
		now:         time.Now,
	}
}

// StartSessionRequest asks for a session of a published workflow.
type StartSessionRequest struct {
	ProjectID    string `json:"project_id"    validate:"required"`
	WorkflowName string `json:"workflow_name" validate:"required"`

	// SessionTime defaults to the current time truncated to the second.
	SessionTime time.Time      `json:"session_time"`
	Params      map[string]any `json:"params,omitempty"`
}

// RetryAttemptRequest asks for a new attempt of the session of a finished attempt.
type RetryAttemptRequest struct {
	// Name identifies the retry; it defaults to "retry-<index>".
	Name string `json:"name,omitempty" validate:"omitempty,max=255"`

	// ResumeFailed carries the tasks that succeeded in the previous attempt over.
	ResumeFailed bool `json:"resume_failed"`

	Params map[string]any `json:"params,omitempty"`
}

// StartSession creates a session and opens its first attempt. It fails with ErrSessionExists
// when the session already has an attempt.
func (s *Session) StartSession(ctx context.Context, req StartSessionRequest) (*models.Session, *models.Attempt, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, NewValidationError("StartSession", "invalid_request", err.Error(), errors.Join(ErrInvalidRequest, err))
	}

	sessionTime := req.SessionTime
	if sessionTime.IsZero() {
		sessionTime = s.now().UTC().Truncate(time.Second)
	}

	return s.start(ctx, req.ProjectID, req.WorkflowName, sessionTime, req.Params, false)
}

// StartScheduledSession starts the session of a schedule tick. Starting a tick that already
// has its session is not an error.
func (s *Session) StartScheduledSession(ctx context.Context, schedule *models.Schedule, sessionTime time.Time) error {
	_, _, err := s.start(ctx, schedule.ProjectID, schedule.WorkflowName, sessionTime, nil, true)
	if errors.Is(err, ErrSessionExists) {
		return nil
	}

	return err
}

func (s *Session) start(
	ctx context.Context,
	projectID, workflowName string,
	sessionTime time.Time,
	params map[string]any,
	scheduled bool,
) (*models.Session, *models.Attempt, error) {
	definition, err := s.persistence.WorkflowRepository().Get(ctx, projectID, workflowName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	session, created, err := s.persistence.SessionRepository().CreateSession(ctx, &models.Session{
		ProjectID:    definition.ProjectID,
		ProjectName:  definition.ProjectName,
		WorkflowName: definition.Name,
		SessionTime:  sessionTime.UTC(),
		TimeZone:     definition.TimeZone,
		Params:       params,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	if !created {
		attempts, err := s.persistence.SessionRepository().AttemptsBySession(ctx, session.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get attempts: %w", err)
		}

		// a session without attempts was left behind by a start that failed halfway
		if len(attempts) > 0 {
			return session, attempts[len(attempts)-1], ErrSessionExists
		}
	} else {
		s.publish(ctx, session.ProjectID, session.WorkflowName, events.SessionCreated{
			BaseEvent:   events.NewBaseEvent(events.SessionCreatedEvent, session.ProjectID, session.WorkflowName),
			SessionID:   session.ID,
			SessionTime: session.SessionTime,
			Scheduled:   scheduled,
		})
	}

	attempt, err := s.openAttempt(ctx, definition, session, "", nil, nil)
	if err != nil {
		return nil, nil, err
	}

	return session, attempt, nil
}

// RetryAttempt opens a new attempt of the session of a finished attempt.
func (s *Session) RetryAttempt(ctx context.Context, attemptID int64, req RetryAttemptRequest) (*models.Attempt, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, NewValidationError("RetryAttempt", "invalid_request", err.Error(), errors.Join(ErrInvalidRequest, err))
	}

	previous, err := s.persistence.SessionRepository().AttemptByID(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if !previous.State.IsTerminal() {
		return nil, &ServiceError{Op: "RetryAttempt", Code: "attempt_running", Err: ErrAttemptRunning}
	}

	session, err := s.persistence.SessionRepository().SessionByID(ctx, previous.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	definition, err := s.persistence.WorkflowRepository().Get(ctx, session.ProjectID, session.WorkflowName)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var previousDone map[string]*models.Task

	if req.ResumeFailed {
		tasks, err := s.persistence.TaskRepository().TasksByAttempt(ctx, previous.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get tasks: %w", err)
		}

		previousDone = make(map[string]*models.Task, len(tasks))

		for _, task := range tasks {
			if task.State == models.TaskStateSuccess {
				previousDone[task.Name] = task
			}
		}
	}

	name := req.Name
	if name == "" {
		name = "retry-" + strconv.Itoa(previous.Index+1)
	}

	return s.openAttempt(ctx, definition, session, name, req.Params, previousDone)
}

func (s *Session) openAttempt(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	session *models.Session,
	retryName string,
	params map[string]any,
	previousDone map[string]*models.Task,
) (*models.Attempt, error) {
	now := s.now().UTC()

	attemptParams, err := models.MergeParams(definition.Params, session.Params, params)
	if err != nil {
		return nil, err
	}

	tasks, err := graph.Materialize(definition, attemptParams, previousDone, now)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize tasks: %w", err)
	}

	attempt, err := s.persistence.SessionRepository().OpenAttempt(ctx, session.ID, models.AttemptOptions{
		RetryAttemptName: retryName,
		Params:           attemptParams,
		StartedAt:        now,
	}, tasks, definition.SLARules())
	if err != nil {
		return nil, fmt.Errorf("failed to open attempt: %w", err)
	}

	s.logger.InfoContext(ctx, "Attempt opened",
		"session_id", session.ID,
		"attempt_id", attempt.ID,
		"attempt_index", attempt.Index,
		"retry_attempt_name", retryName,
	)

	s.publish(ctx, attempt.ProjectID, attempt.WorkflowName, events.AttemptStarted{
		BaseEvent:        events.NewAttemptEvent(events.AttemptStartedEvent, attempt),
		SessionID:        session.ID,
		Index:            attempt.Index,
		RetryAttemptName: retryName,
	})

	return attempt, nil
}

// HandleAttemptFinished re-opens a failed attempt, resuming from its failed tasks, while the
// attempt retry limit of the workflow allows it.
func (s *Session) HandleAttemptFinished(ctx context.Context, attempt *models.Attempt) error {
	if attempt.State != models.AttemptStateError {
		return nil
	}

	definition, err := s.persistence.WorkflowRepository().Get(ctx, attempt.ProjectID, attempt.WorkflowName)
	if err != nil {
		return fmt.Errorf("failed to get workflow: %w", err)
	}

	if !retry.AttemptsLeft(definition.AttemptRetry, attempt.Index) {
		return nil
	}

	retried, err := s.RetryAttempt(ctx, attempt.ID, RetryAttemptRequest{ResumeFailed: true})
	if err != nil {
		// another process already opened the next attempt
		if persistence.IsAttemptConflict(err) {
			return nil
		}

		return err
	}

	s.logger.InfoContext(ctx, "Attempt retried automatically",
		"attempt_id", attempt.ID,
		"retry_attempt_id", retried.ID,
		"retry_attempt_name", retried.RetryAttemptName,
	)

	return nil
}

// CancelAttempt requests cancellation of every task of an attempt. It returns the attempt,
// which is KILLED already when no task was running.
func (s *Session) CancelAttempt(ctx context.Context, attemptID int64) (*models.Attempt, error) {
	result, err := s.persistence.TaskRepository().RequestAttemptCancel(ctx, attemptID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel attempt: %w", err)
	}

	s.logger.InfoContext(ctx, "Attempt cancel requested", "attempt_id", attemptID, "state", result.Attempt.State)
	s.attemptFinished(ctx, result)

	return result.Attempt, nil
}

// CancelTask cancels a single task; a running task is canceled once its execution stops.
func (s *Session) CancelTask(ctx context.Context, taskID int64) (*models.Task, error) {
	result, err := s.persistence.TaskRepository().RequestTaskCancel(ctx, taskID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}

	s.logger.InfoContext(ctx, "Task cancel requested", "task_id", taskID, "state", result.Task.State)
	s.attemptFinished(ctx, result)

	return result.Task, nil
}

func (s *Session) attemptFinished(ctx context.Context, result *persistence.TaskResult) {
	if !result.AttemptFinished {
		return
	}

	attempt := result.Attempt

	var duration time.Duration
	if attempt.FinishedAt != nil {
		duration = attempt.FinishedAt.Sub(attempt.StartedAt)
	}

	s.publish(ctx, attempt.ProjectID, attempt.WorkflowName, events.AttemptFinished{
		BaseEvent: events.NewAttemptEvent(events.AttemptFinishedEvent, attempt),
		SessionID: attempt.SessionID,
		State:     attempt.State,
		Error:     attempt.Error,
		Duration:  duration,
	})
}

func (s *Session) publish(ctx context.Context, projectID, workflowName string, event eventbus.Event) {
	if err := s.publisher.Publish(ctx, projectID+"/"+workflowName, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// GetSession returns a session.
func (s *Session) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	session, err := s.persistence.SessionRepository().SessionByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListAttempts returns the attempts of a session, oldest first.
func (s *Session) ListAttempts(ctx context.Context, sessionID int64) ([]*models.Attempt, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	attempts, err := s.persistence.SessionRepository().AttemptsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	return attempts, nil
}

// GetAttempt returns an attempt.
func (s *Session) GetAttempt(ctx context.Context, attemptID int64) (*models.Attempt, error) {
	attempt, err := s.persistence.SessionRepository().AttemptByID(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	return attempt, nil
}

// ListTasks returns the tasks of an attempt.
func (s *Session) ListTasks(ctx context.Context, attemptID int64) ([]*models.Task, error) {
	if _, err := s.GetAttempt(ctx, attemptID); err != nil {
		return nil, err
	}

	tasks, err := s.persistence.TaskRepository().TasksByAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	return tasks, nil
}

// SLAStatus lists the SLA rules of an attempt with their deadlines and trigger state.
func (s *Session) SLAStatus(ctx context.Context, attemptID int64) ([]sla.Status, error) {
	attempt, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	rules, err := s.persistence.SLARepository().RulesByAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sla rules: %w", err)
	}

	return sla.RuleStatus(attempt, rules, s.now().UTC())
}
