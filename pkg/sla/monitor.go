// Package sla watches running attempts and fires their SLA rules once their deadline passed.
//
// Firing is a compare-and-set on the rule in the store, so any number of monitors can
// evaluate the same attempts and every rule still acts once. An ALERT rule leaves its alert
// in the notification outbox and a TASK rule its task in the attempt, both in the same
// store transaction as the trigger. Deadlines missed while no monitor was running fire on
// the next evaluation.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/flowkeeper/pkg/eventbus"
	"github.com/dukex/flowkeeper/pkg/events"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/otelhelper"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DeadlineExceededMessage is the error message of tasks failed by an SLA rule.
const DeadlineExceededMessage = "SLA deadline exceeded"

// AttemptObserver is told about attempts a FAIL rule finished.
type AttemptObserver interface {
	HandleAttemptFinished(ctx context.Context, attempt *models.Attempt) error
}

type Config struct {
	Interval time.Duration `yaml:"interval"`

	// Now is the monitor clock; time.Now when nil.
	Now func() time.Time `yaml:"-"`
}

type Option func(*Monitor)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(m *Monitor) { m.publisher = publisher }
}

func WithObserver(observer AttemptObserver) Option {
	return func(m *Monitor) { m.observer = observer }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Monitor) { m.tracer = tracer }
}

type Monitor struct {
	config    Config
	store     persistence.Persistence
	publisher eventbus.EventPublisher
	observer  AttemptObserver
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewMonitor(
	config Config,
	store persistence.Persistence,
	logger *slog.Logger,
	options ...Option,
) *Monitor {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	m := &Monitor{
		config:    config,
		store:     store,
		publisher: eventbus.Nop(),
		tracer:    otelhelper.NoopTracer(),
		logger:    logger.With("module", "sla_monitor"),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// Run evaluates every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting SLA monitor", "interval", m.config.Interval)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Evaluate(ctx, m.config.Now()); err != nil {
			m.logger.ErrorContext(ctx, "SLA evaluation failed", "error", err)
		}

		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "SLA monitor stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Evaluate is one pass over the running attempts. It returns how many rules this call fired.
// Calling it again with the same or a later time never fires a rule twice.
func (m *Monitor) Evaluate(ctx context.Context, now time.Time) (int, error) {
	attempts, err := m.store.SessionRepository().RunningAttempts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running attempts: %w", err)
	}

	fired := 0

	var errs []error

	for _, attempt := range attempts {
		n, err := m.evaluateAttempt(ctx, attempt, now)
		fired += n

		if err != nil {
			errs = append(errs, fmt.Errorf("attempt %d: %w", attempt.ID, err))
		}
	}

	return fired, errors.Join(errs...)
}

func (m *Monitor) evaluateAttempt(ctx context.Context, attempt *models.Attempt, now time.Time) (int, error) {
	rules, err := m.store.SLARepository().RulesByAttempt(ctx, attempt.ID)
	if err != nil {
		return 0, err
	}

	var tasks map[string]*models.Task

	fired := 0

	for _, rule := range rules {
		if rule.TriggeredAt != nil {
			continue
		}

		deadline, err := Deadline(rule, attempt.StartedAt)
		if err != nil {
			m.logger.ErrorContext(ctx, "Skipping invalid SLA rule", "rule_id", rule.ID, "error", err)

			continue
		}

		if now.Before(deadline) {
			continue
		}

		var task *models.Task

		if rule.TaskName != "" {
			if tasks == nil {
				tasks, err = m.tasksByName(ctx, attempt.ID)
				if err != nil {
					return fired, err
				}
			}

			task = tasks[rule.TaskName]
			if task == nil || task.State.IsTerminal() {
				continue
			}
		}

		won, err := m.store.SLARepository().TriggerRule(ctx, rule.ID, firing(attempt, rule, now), now)
		if err != nil {
			return fired, err
		}

		if !won {
			continue
		}

		fired++

		if err := m.fire(ctx, attempt, task, rule, deadline, now); err != nil {
			return fired, err
		}
	}

	return fired, nil
}

// firing is what the store writes together with the trigger of rule.
func firing(attempt *models.Attempt, rule *models.SLARule, now time.Time) models.SLAFiring {
	switch rule.Action {
	case models.SLAActionFail:
		return models.SLAFiring{}
	case models.SLAActionTask:
		return models.SLAFiring{Task: models.NewSLATask(attempt, rule, now)}
	default:
		alert := models.NewSLAViolation(attempt, rule, now)

		return models.SLAFiring{Alert: &alert}
	}
}

func (m *Monitor) tasksByName(ctx context.Context, attemptID int64) (map[string]*models.Task, error) {
	tasks, err := m.store.TaskRepository().TasksByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}

	return byName, nil
}

func (m *Monitor) fire(
	ctx context.Context,
	attempt *models.Attempt,
	task *models.Task,
	rule *models.SLARule,
	deadline time.Time,
	now time.Time,
) error {
	logger := m.logger.With(
		"attempt_id", attempt.ID,
		"rule_id", rule.ID,
		"task_name", rule.TaskName,
		"action", rule.Action,
		"deadline", deadline,
	)

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "sla.fire",
		attribute.Int64(otelhelper.AttemptIDKey, attempt.ID),
		attribute.Int64(otelhelper.RuleIDKey, rule.ID),
		attribute.String(otelhelper.WorkflowNameKey, attempt.WorkflowName),
		attribute.String(otelhelper.TaskNameKey, rule.TaskName),
	)
	defer span.End()

	logger.WarnContext(ctx, "SLA deadline passed")

	triggered := events.SLATriggered{
		BaseEvent: events.NewAttemptEvent(events.SLATriggeredEvent, attempt),
		RuleID:    rule.ID,
		TaskName:  rule.TaskName,
		Kind:      rule.Kind,
		Action:    rule.Action,
		Deadline:  deadline,
	}
	m.publish(ctx, attempt.ID, triggered)

	switch rule.Action {
	case models.SLAActionFail:
		if err := m.failTarget(ctx, attempt, task, rule, now); err != nil {
			otelhelper.SetError(span, err)
			logger.ErrorContext(ctx, "Failed to apply SLA action", "error", err)

			return err
		}
	case models.SLAActionTask:
		logger.InfoContext(ctx, "SLA task added", "sla_task", rule.SLATaskName())
	default:
		logger.InfoContext(ctx, "SLA alert queued")
	}

	return nil
}

func (m *Monitor) failTarget(
	ctx context.Context,
	attempt *models.Attempt,
	task *models.Task,
	rule *models.SLARule,
	now time.Time,
) error {
	info := &models.ErrorInfo{Message: DeadlineExceededMessage, Cause: models.CauseSLA, At: now}

	var (
		result *persistence.TaskResult
		err    error
	)

	if task != nil {
		result, err = m.store.TaskRepository().ForceFail(ctx, task.ID, info, !rule.NoRetry, now)
	} else {
		result, err = m.store.TaskRepository().FailAttempt(ctx, attempt.ID, info, now)
	}

	if err != nil {
		return err
	}

	if !result.AttemptFinished {
		return nil
	}

	finished := result.Attempt

	event := events.AttemptFinished{
		BaseEvent: events.NewAttemptEvent(events.AttemptFinishedEvent, finished),
		SessionID: finished.SessionID,
		State:     finished.State,
		Error:     finished.Error,
	}

	if finished.FinishedAt != nil {
		event.Duration = finished.FinishedAt.Sub(finished.StartedAt)
	}

	m.publish(ctx, finished.ID, event)

	if m.observer != nil {
		if err := m.observer.HandleAttemptFinished(ctx, finished); err != nil {
			m.logger.ErrorContext(ctx, "Attempt observer failed", "attempt_id", finished.ID, "error", err)
		}
	}

	return nil
}

func (m *Monitor) publish(ctx context.Context, attemptID int64, event eventbus.Event) {
	if err := m.publisher.Publish(ctx, strconv.FormatInt(attemptID, 10), event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// Status is the evaluation state of one rule, as shown by the control plane.
type Status struct {
	Rule     *models.SLARule `json:"rule"`
	Deadline time.Time       `json:"deadline"`
	Violated bool            `json:"violated"`
}

// RuleStatus computes the deadline of every rule of attempt.
func RuleStatus(attempt *models.Attempt, rules []*models.SLARule, now time.Time) ([]Status, error) {
	statuses := make([]Status, 0, len(rules))

	for _, rule := range rules {
		deadline, err := Deadline(rule, attempt.StartedAt)
		if err != nil {
			return nil, err
		}

		statuses = append(statuses, Status{
			Rule:     rule,
			Deadline: deadline,
			Violated: rule.TriggeredAt != nil || (!attempt.State.IsTerminal() && !now.Before(deadline)),
		})
	}

	return statuses, nil
}
