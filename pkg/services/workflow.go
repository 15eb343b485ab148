package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowkeeper/pkg/eventbus"
	"github.com/dukex/flowkeeper/pkg/events"
	"github.com/dukex/flowkeeper/pkg/graph"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Workflow publishes and queries workflow definitions.
type Workflow struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	publisher   eventbus.EventPublisher
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(
	persistence persistence.Persistence,
	registry *registry.Registry,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Workflow {
	if publisher == nil {
		publisher = eventbus.Nop()
	}

	return &Workflow{
		persistence: persistence,
		registry:    registry,
		publisher:   publisher,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "workflow_service"),
		now:         time.Now,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// GetWorkflow returns the published definition of a workflow.
func (w *Workflow) GetWorkflow(ctx context.Context, projectID, name string) (*models.WorkflowDefinition, error) {
	definition, err := w.persistence.WorkflowRepository().Get(ctx, projectID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return definition, nil
}

// ListWorkflows returns the published definitions of a project; an empty project lists all.
func (w *Workflow) ListWorkflows(ctx context.Context, projectID string) ([]*models.WorkflowDefinition, error) {
	definitions, err := w.persistence.WorkflowRepository().List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return definitions, nil
}

// GetSchedule returns the schedule registered for a workflow.
func (w *Workflow) GetSchedule(ctx context.Context, projectID, name string) (*models.Schedule, error) {
	schedule, err := w.persistence.ScheduleRepository().ScheduleByWorkflow(ctx, projectID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	return schedule, nil
}

// PublishWorkflow validates a definition and stores it as the current revision of the workflow.
// A definition with a cron expression registers or updates the schedule of the workflow; one
// without deactivates a schedule left by an earlier revision.
func (w *Workflow) PublishWorkflow(ctx context.Context, definition *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	g, err := w.validateForPublishing(definition)
	if err != nil {
		return nil, err
	}

	now := w.now().UTC()

	definition.TaskOrder = g.Order()
	definition.PublishedAt = now
	if definition.Revision == "" {
		definition.Revision = uuid.NewString()
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, definition); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	if err := w.registerSchedule(ctx, definition, now); err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "Workflow published",
		"project_id", definition.ProjectID,
		"workflow_name", definition.Name,
		"revision", definition.Revision,
		"tasks", len(definition.Tasks),
	)

	event := events.WorkflowPublished{
		BaseEvent: events.NewBaseEvent(events.WorkflowPublishedEvent, definition.ProjectID, definition.Name),
		Revision:  definition.Revision,
		TaskCount: len(definition.Tasks),
		Scheduled: definition.Schedule != "",
	}

	if err := w.publisher.Publish(ctx, definition.ProjectID+"/"+definition.Name, event); err != nil {
		w.logger.WarnContext(ctx, "Failed to publish workflow event", "error", err)
	}

	return definition, nil
}

func (w *Workflow) registerSchedule(ctx context.Context, definition *models.WorkflowDefinition, now time.Time) error {
	schedules := w.persistence.ScheduleRepository()

	existing, err := schedules.ScheduleByWorkflow(ctx, definition.ProjectID, definition.Name)
	if err != nil && !errors.Is(err, persistence.ErrScheduleNotFound) {
		return fmt.Errorf("failed to get schedule: %w", err)
	}

	if definition.Schedule == "" {
		if existing == nil || !existing.Active {
			return nil
		}

		existing.Active = false
		existing.UpdatedAt = now

		if err := schedules.SaveSchedule(ctx, existing); err != nil {
			return fmt.Errorf("failed to deactivate schedule: %w", err)
		}

		return nil
	}

	// an unchanged schedule keeps its next tick
	if existing != nil && existing.Active &&
		existing.CronExpression == definition.Schedule &&
		existing.TimeZone == definition.TimeZone {
		return nil
	}

	schedule, err := models.NewSchedule(uuid.NewString(), definition, now)
	if err != nil {
		return NewValidationError("PublishWorkflow", "invalid_schedule", err.Error(), errors.Join(ErrInvalidWorkflow, err))
	}

	if err := schedules.SaveSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	w.logger.InfoContext(ctx, "Schedule registered",
		"project_id", schedule.ProjectID,
		"workflow_name", schedule.WorkflowName,
		"cron_expression", schedule.CronExpression,
		"next_run_at", schedule.NextRunAt,
	)

	return nil
}

// validateForPublishing ensures a workflow is ready to be published.
func (w *Workflow) validateForPublishing(definition *models.WorkflowDefinition) (*graph.Graph, error) {
	const op = "PublishWorkflow"

	if definition == nil {
		return nil, ErrWorkflowNil
	}

	if err := w.validate.Struct(definition); err != nil {
		return nil, NewValidationError(op, "invalid_workflow", err.Error(), errors.Join(ErrInvalidWorkflow, err))
	}

	g, err := graph.New(definition)
	if err != nil {
		return nil, NewValidationError(op, "invalid_graph", err.Error(), errors.Join(ErrInvalidWorkflow, err))
	}

	if definition.Schedule != "" {
		if err := models.ValidateCron(definition.Schedule); err != nil {
			return nil, NewValidationError(op, "invalid_schedule", err.Error(), errors.Join(ErrInvalidWorkflow, err))
		}
	}

	if err := w.validateSLA(definition.SLA); err != nil {
		return nil, NewValidationError(op, "invalid_sla", err.Error(), errors.Join(ErrInvalidWorkflow, err))
	}

	for _, node := range definition.Tasks {
		if err := w.validateSLA(node.SLA); err != nil {
			return nil, NewValidationError(op, "invalid_sla",
				fmt.Sprintf("task %s: %v", node.ID, err), errors.Join(ErrInvalidWorkflow, err))
		}

		if w.registry == nil {
			continue
		}

		if err := w.registry.Validate(node.OperatorType, node.Config); err != nil {
			return nil, NewValidationError(op, "invalid_task",
				fmt.Sprintf("task %s: %v", node.ID, err), errors.Join(ErrInvalidTask, err))
		}
	}

	return g, nil
}

// validateSLA checks a rule and the operator config of the task it runs, if any.
func (w *Workflow) validateSLA(spec *models.SLARuleSpec) error {
	if spec == nil {
		return nil
	}

	if err := spec.Validate(); err != nil {
		return err
	}

	if spec.Task == nil || w.registry == nil {
		return nil
	}

	if err := w.registry.Validate(spec.Task.OperatorType, spec.Task.Config); err != nil {
		return fmt.Errorf("sla task: %w", err)
	}

	return nil
}
