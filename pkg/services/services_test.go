package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowkeeper/pkg/eventbus"
	"github.com/dukex/flowkeeper/pkg/events"
	"github.com/dukex/flowkeeper/pkg/log"
	"github.com/dukex/flowkeeper/pkg/mocks"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/persistence/file"
	"github.com/dukex/flowkeeper/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu    sync.Mutex
	types []events.EventType
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.types = append(p.types, event.GetType())

	return nil
}

func (p *recordingPublisher) published() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]events.EventType(nil), p.types...)
}

type fixture struct {
	store     *file.Persistence
	workflow  *Workflow
	session   *Session
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	reg := registry.NewRegistry(log.Discard())
	reg.RegisterDefaultOperators()

	publisher := &recordingPublisher{}

	workflow := NewWorkflow(store, reg, publisher, log.Discard())
	workflow.now = func() time.Time { return now }

	session := NewSession(store, publisher, log.Discard())
	session.now = func() time.Time { return now }

	return &fixture{store: store, workflow: workflow, session: session, publisher: publisher}
}

func definition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ProjectID: "p1",
		Name:      "daily",
		Params:    map[string]any{"env": "test"},
		Tasks: []*models.TaskNode{
			{ID: "extract", OperatorType: "echo", Config: map[string]any{"message": "extract"}},
			{
				ID:           "load",
				OperatorType: "echo",
				Config:       map[string]any{"message": "load"},
				Upstream:     []models.Dependency{{TaskID: "extract"}},
				SLA:          &models.SLARuleSpec{DurationSeconds: 600},
			},
		},
	}
}

func (f *fixture) publish(t *testing.T, definition *models.WorkflowDefinition) {
	t.Helper()

	_, err := f.workflow.PublishWorkflow(t.Context(), definition)
	require.NoError(t, err)
}

func (f *fixture) tasksByName(t *testing.T, attemptID int64) map[string]*models.Task {
	t.Helper()

	tasks, err := f.session.ListTasks(t.Context(), attemptID)
	require.NoError(t, err)

	byName := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}

	return byName
}

// succeed runs the named task to SUCCESS through a claim.
func (f *fixture) succeed(t *testing.T, attemptID int64, name string) {
	t.Helper()

	claimed, err := f.store.TaskRepository().ClaimReadyTasks(t.Context(), "test", 10, time.Minute, now)
	require.NoError(t, err)

	for _, task := range claimed {
		if task.AttemptID == attemptID && task.Name == name {
			_, err := f.store.TaskRepository().RecordTaskResult(t.Context(), task.ID, "test", models.Succeeded(nil), now)
			require.NoError(t, err)

			return
		}
	}

	t.Fatalf("task %s was not ready", name)
}

func TestWorkflow_PublishWorkflow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	d := definition()
	d.Schedule = "0 2 * * *"

	published, err := f.workflow.PublishWorkflow(t.Context(), d)
	require.NoError(t, err)
	assert.Equal(t, now, published.PublishedAt)
	assert.NotEmpty(t, published.Revision)

	stored, err := f.workflow.GetWorkflow(t.Context(), "p1", "daily")
	require.NoError(t, err)
	assert.Len(t, stored.Tasks, 2)
	assert.Equal(t, []string{"extract", "load"}, stored.TaskOrder)

	schedule, err := f.workflow.GetSchedule(t.Context(), "p1", "daily")
	require.NoError(t, err)
	assert.True(t, schedule.Active)
	assert.Equal(t, time.Date(2024, 6, 2, 2, 0, 0, 0, time.UTC), schedule.NextRunAt)

	assert.Equal(t, []events.EventType{events.WorkflowPublishedEvent}, f.publisher.published())

	listed, err := f.workflow.ListWorkflows(t.Context(), "p1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestWorkflow_RepublishKeepsOrDeactivatesSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	d := definition()
	d.Schedule = "0 * * * *"
	f.publish(t, d)

	first, err := f.workflow.GetSchedule(t.Context(), "p1", "daily")
	require.NoError(t, err)

	// same schedule later on keeps the pending tick
	f.workflow.now = func() time.Time { return now.Add(3 * time.Hour) }
	d = definition()
	d.Schedule = "0 * * * *"
	f.publish(t, d)

	second, err := f.workflow.GetSchedule(t.Context(), "p1", "daily")
	require.NoError(t, err)
	assert.Equal(t, first.NextRunAt, second.NextRunAt)

	f.publish(t, definition())

	third, err := f.workflow.GetSchedule(t.Context(), "p1", "daily")
	require.NoError(t, err)
	assert.False(t, third.Active)
}

func TestWorkflow_PublishWorkflowValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(d *models.WorkflowDefinition)
	}{
		{
			name:   "missing name",
			modify: func(d *models.WorkflowDefinition) { d.Name = "" },
		},
		{
			name:   "no tasks",
			modify: func(d *models.WorkflowDefinition) { d.Tasks = nil },
		},
		{
			name: "cycle",
			modify: func(d *models.WorkflowDefinition) {
				d.Tasks[0].Upstream = []models.Dependency{{TaskID: "load"}}
			},
		},
		{
			name:   "unknown upstream",
			modify: func(d *models.WorkflowDefinition) { d.Tasks[1].Upstream[0].TaskID = "missing" },
		},
		{
			name:   "unknown operator",
			modify: func(d *models.WorkflowDefinition) { d.Tasks[0].OperatorType = "missing" },
		},
		{
			name:   "config does not match schema",
			modify: func(d *models.WorkflowDefinition) { d.Tasks[0].Config = map[string]any{"level": "loud"} },
		},
		{
			name:   "invalid cron",
			modify: func(d *models.WorkflowDefinition) { d.Schedule = "every day" },
		},
		{
			name:   "unknown time zone",
			modify: func(d *models.WorkflowDefinition) { d.TimeZone = "Mars/Olympus" },
		},
		{
			name: "sla without deadline",
			modify: func(d *models.WorkflowDefinition) {
				d.SLA = &models.SLARuleSpec{Action: models.SLAActionFail}
			},
		},
		{
			name: "sla with bad time",
			modify: func(d *models.WorkflowDefinition) {
				d.Tasks[1].SLA = &models.SLARuleSpec{Time: "25:61"}
			},
		},
		{
			name: "sla task with unknown operator",
			modify: func(d *models.WorkflowDefinition) {
				d.SLA = &models.SLARuleSpec{DurationSeconds: 60, Task: &models.SLATaskSpec{OperatorType: "missing"}}
			},
		},
		{
			name: "sla task config does not match schema",
			modify: func(d *models.WorkflowDefinition) {
				d.Tasks[0].SLA = &models.SLARuleSpec{
					DurationSeconds: 60,
					Task:            &models.SLATaskSpec{OperatorType: "echo", Config: map[string]any{"level": "loud"}},
				}
			},
		},
		{
			name:   "reserved task id",
			modify: func(d *models.WorkflowDefinition) { d.Tasks[0].ID = "^sla-1" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			d := definition()
			tt.modify(d)

			_, err := f.workflow.PublishWorkflow(t.Context(), d)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "got %v", err)

			_, err = f.workflow.GetWorkflow(t.Context(), d.ProjectID, d.Name)
			assert.True(t, IsNotFoundError(err))
		})
	}

	t.Run("nil", func(t *testing.T) {
		t.Parallel()

		_, err := newFixture(t).workflow.PublishWorkflow(t.Context(), nil)
		assert.ErrorIs(t, err, ErrWorkflowNil)
	})
}

func TestSession_StartSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.publish(t, definition())

	sessionTime := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	session, attempt, err := f.session.StartSession(t.Context(), StartSessionRequest{
		ProjectID:    "p1",
		WorkflowName: "daily",
		SessionTime:  sessionTime,
		Params:       map[string]any{"run": "manual"},
	})
	require.NoError(t, err)
	assert.Equal(t, sessionTime, session.SessionTime)
	assert.Equal(t, 1, attempt.Index)
	assert.Equal(t, models.AttemptStateRunning, attempt.State)
	assert.Equal(t, map[string]any{"env": "test", "run": "manual"}, attempt.Params)

	tasks := f.tasksByName(t, attempt.ID)
	assert.Equal(t, models.TaskStateReady, tasks["extract"].State)
	assert.Equal(t, models.TaskStateBlocked, tasks["load"].State)

	statuses, err := f.session.SLAStatus(t.Context(), attempt.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "load", statuses[0].Rule.TaskName)
	assert.Equal(t, now.Add(10*time.Minute), statuses[0].Deadline)
	assert.False(t, statuses[0].Violated)

	_, _, err = f.session.StartSession(t.Context(), StartSessionRequest{
		ProjectID:    "p1",
		WorkflowName: "daily",
		SessionTime:  sessionTime,
	})
	require.ErrorIs(t, err, ErrSessionExists)
	assert.True(t, IsConflictError(err))

	attempts, err := f.session.ListAttempts(t.Context(), session.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)

	assert.Equal(t, []events.EventType{
		events.WorkflowPublishedEvent,
		events.SessionCreatedEvent,
		events.AttemptStartedEvent,
	}, f.publisher.published())
}

func TestSession_StartSessionErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, _, err := f.session.StartSession(t.Context(), StartSessionRequest{ProjectID: "p1"})
	assert.True(t, IsValidationError(err))

	_, _, err = f.session.StartSession(t.Context(), StartSessionRequest{ProjectID: "p1", WorkflowName: "missing"})
	assert.True(t, IsNotFoundError(err))

	_, err = f.session.GetAttempt(t.Context(), 42)
	assert.True(t, IsNotFoundError(err))

	_, err = f.session.ListTasks(t.Context(), 42)
	assert.True(t, IsNotFoundError(err))
}

func TestSession_StartScheduledSessionIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	d := definition()
	d.Schedule = "0 * * * *"
	f.publish(t, d)

	schedule, err := f.workflow.GetSchedule(t.Context(), "p1", "daily")
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, f.session.StartScheduledSession(t.Context(), schedule, schedule.NextRunAt))
	}

	running, err := f.store.SessionRepository().RunningAttempts(t.Context())
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, schedule.NextRunAt, running[0].SessionTime)
}

func TestSession_RetryAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.publish(t, definition())

	session, attempt, err := f.session.StartSession(t.Context(), StartSessionRequest{ProjectID: "p1", WorkflowName: "daily"})
	require.NoError(t, err)

	_, err = f.session.RetryAttempt(t.Context(), attempt.ID, RetryAttemptRequest{})
	require.ErrorIs(t, err, ErrAttemptRunning)
	assert.True(t, IsConflictError(err))

	f.succeed(t, attempt.ID, "extract")

	_, err = f.store.TaskRepository().FailAttempt(t.Context(), attempt.ID,
		&models.ErrorInfo{Message: "boom", Cause: models.CauseOperator}, now)
	require.NoError(t, err)

	retried, err := f.session.RetryAttempt(t.Context(), attempt.ID, RetryAttemptRequest{ResumeFailed: true})
	require.NoError(t, err)
	assert.Equal(t, session.ID, retried.SessionID)
	assert.Equal(t, 2, retried.Index)
	assert.Equal(t, "retry-2", retried.RetryAttemptName)

	tasks := f.tasksByName(t, retried.ID)
	assert.Equal(t, models.TaskStateSuccess, tasks["extract"].State)
	assert.True(t, tasks["extract"].Carried)
	assert.Equal(t, models.TaskStateReady, tasks["load"].State)

	// a second retry while the first one runs conflicts in the store
	_, err = f.session.RetryAttempt(t.Context(), attempt.ID, RetryAttemptRequest{Name: "again"})
	assert.True(t, IsConflictError(err))
}

func TestSession_HandleAttemptFinished(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	d := definition()
	d.AttemptRetry = models.RetryConfig{Limit: 1}
	f.publish(t, d)

	session, attempt, err := f.session.StartSession(t.Context(), StartSessionRequest{ProjectID: "p1", WorkflowName: "daily"})
	require.NoError(t, err)

	fail := func(attemptID int64) *models.Attempt {
		result, err := f.store.TaskRepository().FailAttempt(t.Context(), attemptID,
			&models.ErrorInfo{Message: "boom", Cause: models.CauseOperator}, now)
		require.NoError(t, err)
		require.True(t, result.AttemptFinished)

		return result.Attempt
	}

	require.NoError(t, f.session.HandleAttemptFinished(t.Context(), fail(attempt.ID)))

	attempts, err := f.session.ListAttempts(t.Context(), session.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.AttemptStateRunning, attempts[1].State)

	// the limit is used up
	require.NoError(t, f.session.HandleAttemptFinished(t.Context(), fail(attempts[1].ID)))

	attempts, err = f.session.ListAttempts(t.Context(), session.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 2)
}

func TestSession_HandleAttemptFinishedIgnoresSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	d := definition()
	d.AttemptRetry = models.RetryConfig{Limit: 3}
	f.publish(t, d)

	_, attempt, err := f.session.StartSession(t.Context(), StartSessionRequest{ProjectID: "p1", WorkflowName: "daily"})
	require.NoError(t, err)

	attempt.State = models.AttemptStateSuccess
	require.NoError(t, f.session.HandleAttemptFinished(t.Context(), attempt))

	running, err := f.store.SessionRepository().RunningAttempts(t.Context())
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestSession_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("task", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.publish(t, definition())

		_, attempt, err := f.session.StartSession(t.Context(), StartSessionRequest{ProjectID: "p1", WorkflowName: "daily"})
		require.NoError(t, err)

		tasks := f.tasksByName(t, attempt.ID)

		canceled, err := f.session.CancelTask(t.Context(), tasks["load"].ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStateCanceled, canceled.State)

		_, err = f.session.CancelTask(t.Context(), 999)
		assert.True(t, IsNotFoundError(err))
	})

	t.Run("attempt", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.publish(t, definition())

		_, attempt, err := f.session.StartSession(t.Context(), StartSessionRequest{ProjectID: "p1", WorkflowName: "daily"})
		require.NoError(t, err)

		killed, err := f.session.CancelAttempt(t.Context(), attempt.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AttemptStateKilled, killed.State)
		assert.Contains(t, f.publisher.published(), events.AttemptFinishedEvent)

		for _, task := range f.tasksByName(t, attempt.ID) {
			assert.Equal(t, models.TaskStateCanceled, task.State)
		}
	})
}

func TestServiceError(t *testing.T) {
	t.Parallel()

	err := NewValidationError("PublishWorkflow", "invalid_graph", "cycle", ErrInvalidWorkflow)
	assert.Equal(t, "PublishWorkflow: cycle", err.Error())
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
	assert.True(t, IsValidationError(err))
	assert.False(t, IsConflictError(err))

	assert.True(t, IsConflictError(persistence.ErrAttemptConflict))
	assert.True(t, IsNotFoundError(persistence.NewAttemptError("AttemptByID", 1, persistence.ErrAttemptNotFound)))
}

func TestWorkflow_PublishSurvivesEventBusFailure(t *testing.T) {
	t.Parallel()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	reg := registry.NewRegistry(log.Discard())
	reg.RegisterDefaultOperators()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "p1/daily", mock.AnythingOfType("events.WorkflowPublished")).
		Return(errors.New("broker unavailable")).Once()

	workflow := NewWorkflow(store, reg, bus, log.Discard())

	published, err := workflow.PublishWorkflow(t.Context(), definition())
	require.NoError(t, err)
	assert.NotEmpty(t, published.Revision)

	stored, err := store.WorkflowRepository().Get(t.Context(), "p1", "daily")
	require.NoError(t, err)
	assert.Equal(t, published.Revision, stored.Revision)

	bus.AssertExpectations(t)
}

func TestWorkflow_PublishExampleDefinition(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	data, err := os.ReadFile(filepath.Join("..", "..", "examples", "workflows", "daily-report.json"))
	require.NoError(t, err)

	var def models.WorkflowDefinition
	require.NoError(t, json.Unmarshal(data, &def))

	published, err := f.workflow.PublishWorkflow(t.Context(), &def)
	require.NoError(t, err)
	assert.Len(t, published.Tasks, 3)

	rules := published.SLARules()
	require.Len(t, rules, 3)
	assert.Equal(t, models.SLAActionTask, rules[1].Action)
	assert.Equal(t, "echo", rules[1].Task.OperatorType)

	schedule, err := f.workflow.GetSchedule(t.Context(), "analytics", "daily-report")
	require.NoError(t, err)
	// 02:00 in Tokyo
	assert.Equal(t, time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC), schedule.NextRunAt)
}
