package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowkeeper/pkg/events"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/otelhelper"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/protocol"
	"github.com/dukex/flowkeeper/pkg/retry"
	"go.opentelemetry.io/otel/attribute"
)

// ErrOperatorPanic wraps a panic raised inside an operator.
var ErrOperatorPanic = errors.New("operator panicked")

func (d *Dispatcher) execute(ctx context.Context, task *models.Task) {
	logger := d.logger.With(
		"task_id", task.ID,
		"task_name", task.Name,
		"attempt_id", task.AttemptID,
		"operator_type", task.OperatorType,
		"retry_count", task.RetryCount,
	)

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "task.execute",
		attribute.Int64(otelhelper.TaskIDKey, task.ID),
		attribute.String(otelhelper.TaskNameKey, task.Name),
		attribute.Int64(otelhelper.AttemptIDKey, task.AttemptID),
		attribute.String(otelhelper.OperatorTypeKey, task.OperatorType),
		attribute.Int(otelhelper.RetryCountKey, task.RetryCount),
		attribute.String(otelhelper.WorkerIDKey, d.config.ID),
	)
	defer span.End()

	var attempt *models.Attempt

	err := d.withStoreRetry(ctx, func() error {
		var err error

		attempt, err = d.store.SessionRepository().AttemptByID(ctx, task.AttemptID)

		return err
	})
	if err != nil {
		// the lease runs out and the task is claimed again
		logger.ErrorContext(ctx, "Failed to load attempt", "error", err)
		otelhelper.SetError(span, err)

		return
	}

	span.SetAttributes(
		attribute.String(otelhelper.ProjectIDKey, attempt.ProjectID),
		attribute.String(otelhelper.WorkflowNameKey, attempt.WorkflowName),
		attribute.Int64(otelhelper.SessionIDKey, attempt.SessionID),
	)

	started := events.TaskStarted{
		BaseEvent:  events.NewAttemptEvent(events.TaskStartedEvent, attempt),
		TaskID:     task.ID,
		TaskName:   task.Name,
		RetryCount: task.RetryCount,
	}
	started.WorkerID = d.config.ID
	d.publish(ctx, attempt.ID, started)

	logger.InfoContext(ctx, "Executing task")

	startedAt := d.now()
	exported, runErr := d.run(ctx, task, attempt, logger)

	cause := context.Cause(ctx)

	switch {
	case errors.Is(cause, persistence.ErrClaimLost):
		logger.WarnContext(ctx, "Dropping result of task whose claim was lost", "error", runErr)

		return
	case errors.Is(cause, errShuttingDown) && runErr != nil:
		logger.WarnContext(ctx, "Execution interrupted by shutdown, leaving task to lease expiry")

		return
	}

	outcome := models.Succeeded(exported)

	if runErr != nil {
		otelhelper.SetError(span, runErr)
		logger.WarnContext(ctx, "Task execution failed", "error", runErr)

		outcome = models.Failed(&models.ErrorInfo{
			Message: runErr.Error(),
			Cause:   models.CauseOperator,
			Task:    task.Name,
			At:      d.now(),
		})
	}

	result, err := d.record(ctx, task, outcome)
	if err != nil {
		if persistence.IsClaimLost(err) {
			logger.WarnContext(ctx, "Claim lost before result was recorded")

			return
		}

		logger.ErrorContext(ctx, "Failed to record task result", "error", err)
		otelhelper.SetError(span, err)

		return
	}

	finished := events.TaskFinished{
		BaseEvent:  events.NewAttemptEvent(events.TaskFinishedEvent, result.Attempt),
		TaskID:     task.ID,
		TaskName:   task.Name,
		State:      result.Task.State,
		Error:      result.Task.Error,
		DurationMs: d.now().Sub(startedAt).Milliseconds(),
	}
	finished.WorkerID = d.config.ID
	d.publish(ctx, attempt.ID, finished)

	logger.InfoContext(ctx, "Task finished", "state", result.Task.State)

	if result.AttemptFinished {
		logger.InfoContext(ctx, "Attempt finished", "state", result.Attempt.State)
		d.attemptFinished(ctx, result.Attempt)
	}
}

// run creates the operator and executes it, turning a panic into an error.
func (d *Dispatcher) run(
	ctx context.Context,
	task *models.Task,
	attempt *models.Attempt,
	logger *slog.Logger,
) (exported map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			exported = nil
			err = fmt.Errorf("%w: %v", ErrOperatorPanic, r)
		}
	}()

	config, err := task.MergedConfig()
	if err != nil {
		return nil, err
	}

	operator, err := d.registry.Operator(task.OperatorType, config)
	if err != nil {
		return nil, err
	}

	request := &protocol.Request{
		TaskID:       task.ID,
		TaskName:     task.Name,
		OperatorType: task.OperatorType,
		RetryCount:   task.RetryCount,
		AttemptID:    attempt.ID,
		SessionID:    attempt.SessionID,
		SessionTime:  attempt.SessionTime,
		TimeZone:     attempt.TimeZone,
		ProjectID:    attempt.ProjectID,
		ProjectName:  attempt.ProjectName,
		WorkflowName: attempt.WorkflowName,
		Params:       task.Params,
		Config:       config,
	}

	return operator.Execute(ctx, request, logger)
}

// record stores the outcome, retrying while the store is unavailable. It keeps going after
// shutdown so finished work is not lost.
func (d *Dispatcher) record(ctx context.Context, task *models.Task, outcome models.Outcome) (*persistence.TaskResult, error) {
	ctx = context.WithoutCancel(ctx)

	var result *persistence.TaskResult

	err := d.withStoreRetry(ctx, func() error {
		var err error

		result, err = d.store.TaskRepository().RecordTaskResult(ctx, task.ID, d.config.ID, outcome, d.now())

		return err
	})

	return result, err
}

func (d *Dispatcher) withStoreRetry(ctx context.Context, fn func() error) error {
	return retry.OnError(ctx, d.config.StoreRetry, persistence.IsStoreUnavailable, fn)
}
