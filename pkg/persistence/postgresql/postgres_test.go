package postgresql_test

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowkeeper/pkg/graph"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

var sessionTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(0)
	}

	code := m.Run()

	if postgresContainer != nil {
		if err := testcontainers.TerminateContainer(postgresContainer); err != nil {
			slog.Error("Failed to terminate postgres container", "error", err)
		}
	}

	os.Exit(code)
}

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last.
	for _, table := range []string{"notifications", "schedules", "sla_rules", "tasks", "attempts", "sessions", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowkeeper_test"),
			postgres.WithUsername("flowkeeper"),
			postgres.WithPassword("flowkeeper"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = store.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return store, ctx, databaseURL
}

func chain() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ProjectID:   "p1",
		ProjectName: "analytics",
		Name:        "daily",
		Tasks: []*models.TaskNode{
			{ID: "extract", OperatorType: "log", Config: map[string]any{"message": "extracting"}},
			{ID: "load", OperatorType: "log", Upstream: []models.Dependency{{TaskID: "extract"}}},
		},
		SLA: &models.SLARuleSpec{DurationSeconds: 5},
	}
}

func openAttempt(
	ctx context.Context,
	t *testing.T,
	store persistence.Persistence,
	definition *models.WorkflowDefinition,
) (*models.Session, *models.Attempt) {
	t.Helper()

	session, _, err := store.SessionRepository().CreateSession(ctx, &models.Session{
		ProjectID:    definition.ProjectID,
		ProjectName:  definition.ProjectName,
		WorkflowName: definition.Name,
		SessionTime:  sessionTime,
	})
	require.NoError(t, err)

	tasks, err := graph.Materialize(definition, map[string]any{"env": "test"}, nil, sessionTime)
	require.NoError(t, err)

	attempt, err := store.SessionRepository().OpenAttempt(ctx, session.ID, models.AttemptOptions{StartedAt: sessionTime}, tasks, definition.SLARules())
	require.NoError(t, err)

	return session, attempt
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"workflows", "sessions", "attempts", "tasks", "sla_rules", "schedules"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestNewPersistence_ConcurrentStartup(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.DiscardHandler)

	var wg sync.WaitGroup

	errs := make([]error, 3)
	stores := make([]*postgresql.Persistence, 3)

	for i := range stores {
		wg.Add(1)

		go func() {
			defer wg.Done()

			stores[i], errs[i] = postgresql.NewPersistence(ctx, logger, databaseURL)
		}()
	}

	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err)
		require.NoError(t, stores[i].Close(ctx))
	}

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	var applied int

	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 3, applied)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestWorkflowRepository_SaveAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := chain()
	definition.Revision = "r1"
	require.NoError(t, p.WorkflowRepository().Save(ctx, definition))

	definition.Revision = "r2"
	require.NoError(t, p.WorkflowRepository().Save(ctx, definition))

	stored, err := p.WorkflowRepository().Get(ctx, "p1", "daily")
	require.NoError(t, err)
	assert.Equal(t, "r2", stored.Revision)
	assert.Len(t, stored.Tasks, 2)

	_, err = p.WorkflowRepository().Get(ctx, "p1", "missing")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	all, err := p.WorkflowRepository().List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSessionRepository_CreateSessionIsIdempotent(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	first, created, err := p.SessionRepository().CreateSession(ctx, &models.Session{
		ProjectID:    "p1",
		WorkflowName: "daily",
		SessionTime:  sessionTime,
		Params:       map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "eu", first.Params["region"])

	second, created, err := p.SessionRepository().CreateSession(ctx, &models.Session{
		ProjectID:    "p1",
		WorkflowName: "daily",
		SessionTime:  sessionTime,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.SessionTime.Equal(sessionTime))
}

func TestSessionRepository_OpenAttemptConflict(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	session, attempt := openAttempt(ctx, t, p, chain())
	assert.Equal(t, 1, attempt.Index)
	assert.Equal(t, models.AttemptStateRunning, attempt.State)

	_, err := p.SessionRepository().OpenAttempt(ctx, session.ID, models.AttemptOptions{StartedAt: sessionTime}, nil, nil)
	require.ErrorIs(t, err, persistence.ErrAttemptConflict)

	res, err := p.TaskRepository().RequestAttemptCancel(ctx, attempt.ID, sessionTime)
	require.NoError(t, err)
	assert.True(t, res.AttemptFinished)
	assert.Equal(t, models.AttemptStateKilled, res.Attempt.State)

	next, err := p.SessionRepository().OpenAttempt(ctx, session.ID, models.AttemptOptions{StartedAt: sessionTime, RetryAttemptName: "rerun"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Index)

	running, err := p.SessionRepository().RunningAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, next.ID, running[0].ID)
}

func TestTaskRepository_ClaimCompleteFlow(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, attempt := openAttempt(ctx, t, p, chain())
	tasks := p.TaskRepository()
	now := sessionTime.Add(time.Second)

	claimed, err := tasks.ClaimReadyTasks(ctx, "worker-1", 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "extract", claimed[0].Name)
	assert.Equal(t, "test", claimed[0].Params["env"])
	assert.Equal(t, "extracting", claimed[0].Config["message"])

	_, err = tasks.RecordTaskResult(ctx, claimed[0].ID, "worker-2", models.Succeeded(nil), now)
	require.ErrorIs(t, err, persistence.ErrClaimLost)

	cancelRequested, err := tasks.Heartbeat(ctx, claimed[0].ID, "worker-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, cancelRequested)

	res, err := tasks.RecordTaskResult(ctx, claimed[0].ID, "worker-1", models.Succeeded(map[string]any{"rows": "3"}), now)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSuccess, res.Task.State)
	assert.False(t, res.AttemptFinished)

	claimed, err = tasks.ClaimReadyTasks(ctx, "worker-2", 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "load", claimed[0].Name)
	assert.Equal(t, "3", claimed[0].Params["rows"])

	res, err = tasks.RecordTaskResult(ctx, claimed[0].ID, "worker-2", models.Succeeded(nil), now)
	require.NoError(t, err)
	assert.True(t, res.AttemptFinished)
	assert.Equal(t, models.AttemptStateSuccess, res.Attempt.State)

	stored, err := p.SessionRepository().AttemptByID(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStateSuccess, stored.State)
	require.NotNil(t, stored.FinishedAt)
}

func TestTaskRepository_ConcurrentClaimsAreDisjoint(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	nodes := make([]*models.TaskNode, 0, 12)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		nodes = append(nodes, &models.TaskNode{ID: id, OperatorType: "log"})
	}

	openAttempt(ctx, t, p, &models.WorkflowDefinition{ProjectID: "p1", Name: "wide", Tasks: nodes})

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)

	for worker := range 4 {
		wg.Add(1)

		go func(owner string) {
			defer wg.Done()

			for {
				claimed, err := p.TaskRepository().ClaimReadyTasks(ctx, owner, 2, time.Minute, sessionTime)
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}

				mu.Lock()
				for _, task := range claimed {
					seen[task.ID]++
				}
				mu.Unlock()
			}
		}(string(rune('A' + worker)))
	}

	wg.Wait()

	require.Len(t, seen, 12)

	for id, count := range seen {
		assert.Equal(t, 1, count, "task %d claimed more than once", id)
	}
}

func TestTaskRepository_ReleaseExpiredLeases(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	openAttempt(ctx, t, p, chain())
	tasks := p.TaskRepository()

	claimed, err := tasks.ClaimReadyTasks(ctx, "crashed", 1, 10*time.Second, sessionTime)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := tasks.ReleaseExpiredLeases(ctx, sessionTime.Add(5*time.Second))
	require.NoError(t, err)
	assert.Empty(t, released)

	released, err = tasks.ReleaseExpiredLeases(ctx, sessionTime.Add(10*time.Second))
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, models.TaskStateReady, released[0].State)
	assert.Empty(t, released[0].ClaimOwner)

	_, err = tasks.Heartbeat(ctx, claimed[0].ID, "crashed", sessionTime.Add(time.Minute))
	require.ErrorIs(t, err, persistence.ErrClaimLost)

	reclaimed, err := tasks.ClaimReadyTasks(ctx, "healthy", 1, 10*time.Second, sessionTime.Add(11*time.Second))
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].ID, reclaimed[0].ID)
}

func TestTaskRepository_RetryWaiting(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := chain()
	definition.Tasks[0].Retry = models.RetryConfig{Limit: 1, IntervalSeconds: 30}
	openAttempt(ctx, t, p, definition)

	tasks := p.TaskRepository()

	claimed, err := tasks.ClaimReadyTasks(ctx, "w", 1, time.Minute, sessionTime)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	res, err := tasks.RecordTaskResult(ctx, claimed[0].ID, "w", models.Failed(&models.ErrorInfo{Message: "boom"}), sessionTime)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRetryWaiting, res.Task.State)

	early, err := tasks.ClaimReadyTasks(ctx, "w", 1, time.Minute, sessionTime.Add(29*time.Second))
	require.NoError(t, err)
	assert.Empty(t, early)

	due, err := tasks.ClaimReadyTasks(ctx, "w", 1, time.Minute, sessionTime.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)

	res, err = tasks.RecordTaskResult(ctx, due[0].ID, "w", models.Failed(&models.ErrorInfo{Message: "boom again"}), sessionTime.Add(31*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateError, res.Task.State)
	assert.True(t, res.AttemptFinished)
	assert.Equal(t, models.AttemptStateError, res.Attempt.State)
	require.NotNil(t, res.Attempt.Error)
	assert.Equal(t, "boom again", res.Attempt.Error.Message)
}

func TestSLARepository_TriggerRuleOnce(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, attempt := openAttempt(ctx, t, p, chain())

	rules, err := p.SLARepository().RulesByAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.SLAKindDuration, rules[0].Kind)
	assert.Equal(t, models.SLAActionAlert, rules[0].Action)

	now := sessionTime.Add(6 * time.Second)
	alert := models.NewSLAViolation(attempt, rules[0], now)

	won, err := p.SLARepository().TriggerRule(ctx, rules[0].ID, models.SLAFiring{Alert: &alert}, now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = p.SLARepository().TriggerRule(ctx, rules[0].ID, models.SLAFiring{Alert: &alert}, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, won)

	_, err = p.SLARepository().TriggerRule(ctx, 9999, models.SLAFiring{}, sessionTime)
	require.ErrorIs(t, err, persistence.ErrRuleNotFound)

	outbox := p.NotificationRepository()

	records, err := outbox.Notifications(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.NotificationPending, records[0].State)
	assert.Equal(t, "daily", records[0].Notification.WorkflowName)

	claimed, err := outbox.ClaimNotifications(ctx, "n1", 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := outbox.ClaimNotifications(ctx, "n2", 10, time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, again)

	reclaimed, err := outbox.ClaimNotifications(ctx, "n2", 10, time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	err = outbox.CompleteNotification(ctx, claimed[0].ID, "n1", models.DeliveryOutcome{State: models.NotificationDelivered}, now)
	require.ErrorIs(t, err, persistence.ErrClaimLost)

	err = outbox.CompleteNotification(ctx, claimed[0].ID, "n2",
		models.DeliveryOutcome{State: models.NotificationFailed, Attempts: 8, LastError: "connection refused"}, now.Add(2*time.Minute))
	require.NoError(t, err)

	err = outbox.CompleteNotification(ctx, 9999, "n2", models.DeliveryOutcome{State: models.NotificationDelivered}, now)
	require.ErrorIs(t, err, persistence.ErrNotificationNotFound)

	records, err = outbox.Notifications(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationFailed, records[0].State)
	assert.Equal(t, 8, records[0].Attempts)
	assert.Equal(t, "connection refused", records[0].LastError)
	assert.Empty(t, records[0].ClaimOwner)
}

func TestSLARepository_TriggerRuleAddsTask(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := chain()
	definition.SLA = &models.SLARuleSpec{
		DurationSeconds: 5,
		Task:            &models.SLATaskSpec{OperatorType: "log", Config: map[string]any{"message": "late"}},
	}

	_, attempt := openAttempt(ctx, t, p, definition)

	rules, err := p.SLARepository().RulesByAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.SLAActionTask, rules[0].Action)
	require.NotNil(t, rules[0].Task)
	assert.Equal(t, "late", rules[0].Task.Config["message"])

	now := sessionTime.Add(6 * time.Second)

	won, err := p.SLARepository().TriggerRule(ctx, rules[0].ID,
		models.SLAFiring{Task: models.NewSLATask(attempt, rules[0], now)}, now)
	require.NoError(t, err)
	require.True(t, won)

	tasks, err := p.TaskRepository().TasksByAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, rules[0].SLATaskName(), tasks[2].Name)
	assert.Equal(t, models.TaskStateReady, tasks[2].State)
	assert.Equal(t, "late", tasks[2].Config["message"])
}

func TestScheduleRepository_AdvanceOnce(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := chain()
	definition.Schedule = "0 * * * *"

	schedule, err := models.NewSchedule("sched-1", definition, sessionTime)
	require.NoError(t, err)
	require.NoError(t, p.ScheduleRepository().SaveSchedule(ctx, schedule))

	due, err := p.ScheduleRepository().DueSchedules(ctx, schedule.NextRunAt)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next := schedule.NextRunAt.Add(time.Hour)

	won, err := p.ScheduleRepository().AdvanceSchedule(ctx, schedule.ID, schedule.NextRunAt, next)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = p.ScheduleRepository().AdvanceSchedule(ctx, schedule.ID, schedule.NextRunAt, next)
	require.NoError(t, err)
	assert.False(t, won)

	_, err = p.ScheduleRepository().AdvanceSchedule(ctx, "missing", schedule.NextRunAt, next)
	require.ErrorIs(t, err, persistence.ErrScheduleNotFound)

	stored, err := p.ScheduleRepository().ScheduleByWorkflow(ctx, "p1", "daily")
	require.NoError(t, err)
	assert.True(t, stored.NextRunAt.Equal(next))
}
