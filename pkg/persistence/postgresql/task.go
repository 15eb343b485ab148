package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/statemachine"
	"github.com/lib/pq"
)

const taskColumns = `
	id
  , attempt_id
  , name
  , operator_type
  , config
  , params
  , upstream
  , state
  , retry_count
  , retry
  , next_retry_at
  , exported
  , error
  , cancel_requested
  , claim_owner
  , lease_expires_at
  , carried
  , ready_at
  , started_at
  , finished_at
`

// TaskRepository handles task state.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

func (r *TaskRepository) ClaimReadyTasks(
	ctx context.Context,
	owner string,
	limit int,
	lease time.Duration,
	now time.Time,
) ([]*models.Task, error) {
	if err := r.promoteDue(ctx, now); err != nil {
		return nil, err
	}

	var maxRows sql.NullInt64
	if limit >= 0 {
		maxRows = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	claimed := make([]*models.Task, 0)

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, r.logger, tx, `
			SELECT t.id
			FROM tasks t
			JOIN attempts a ON a.id = t.attempt_id
			WHERE t.state = 'READY'
			  AND a.state = 'RUNNING'
			  AND NOT a.cancel_requested
			ORDER BY t.ready_at NULLS LAST, t.id
			LIMIT $1
			FOR UPDATE OF t SKIP LOCKED
		`, maxRows)
		if err != nil {
			return fmt.Errorf("failed to select ready tasks: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE tasks SET
				state = 'RUNNING'
			  , claim_owner = $2
			  , lease_expires_at = $3
			  , started_at = $4
			WHERE id = ANY($1) AND state = 'READY'
			RETURNING `+taskColumns,
			pq.Array(ids),
			owner,
			now.Add(lease).UTC(),
			now.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to claim tasks: %w", err)
		}
		defer closeRows(ctx, r.logger, rows)

		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("failed to scan task: %w", err)
			}

			claimed = append(claimed, task)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sortClaimed(claimed)

	return claimed, nil
}

// promoteDue moves RETRY_WAITING tasks whose retry time passed back to READY.
func (r *TaskRepository) promoteDue(ctx context.Context, now time.Time) error {
	attemptIDs, err := queryIDs(ctx, r.logger, r.db, `
		SELECT DISTINCT t.attempt_id
		FROM tasks t
		JOIN attempts a ON a.id = t.attempt_id
		WHERE t.state = 'RETRY_WAITING'
		  AND t.next_retry_at <= $1
		  AND a.state = 'RUNNING'
	`, now.UTC())
	if err != nil {
		return storeError(fmt.Errorf("failed to select due retries: %w", err))
	}

	for _, attemptID := range attemptIDs {
		_, err := r.mutate(ctx, attemptID, func(g *statemachine.Graph) error {
			g.PromoteDue(now)

			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *TaskRepository) Heartbeat(ctx context.Context, taskID int64, owner string, leaseUntil time.Time) (bool, error) {
	query := `
		UPDATE tasks t SET
			lease_expires_at = $3
		FROM attempts a
		WHERE a.id = t.attempt_id
		  AND t.id = $1
		  AND t.claim_owner = $2
		  AND t.state = 'RUNNING'
		RETURNING t.cancel_requested OR a.cancel_requested
	`

	var cancelRequested bool

	err := r.db.QueryRowContext(ctx, query, taskID, owner, leaseUntil.UTC()).Scan(&cancelRequested)
	if err == nil {
		return cancelRequested, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return false, persistence.NewTaskError("Heartbeat", taskID, owner, storeError(err))
	}

	if _, err := r.TaskByID(ctx, taskID); err != nil {
		return false, err
	}

	return false, persistence.NewTaskError("Heartbeat", taskID, owner, persistence.ErrClaimLost)
}

func (r *TaskRepository) RecordTaskResult(
	ctx context.Context,
	taskID int64,
	owner string,
	outcome models.Outcome,
	now time.Time,
) (*persistence.TaskResult, error) {
	res, err := r.mutateTask(ctx, taskID, func(g *statemachine.Graph, task *models.Task) error {
		if task.State != models.TaskStateRunning || task.ClaimOwner != owner {
			return persistence.ErrClaimLost
		}

		return g.Complete(task.Name, outcome, now)
	}, now)
	if err != nil {
		return nil, persistence.NewTaskError("RecordTaskResult", taskID, owner, err)
	}

	return res, nil
}

func (r *TaskRepository) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]*models.Task, error) {
	attemptIDs, err := queryIDs(ctx, r.logger, r.db, `
		SELECT DISTINCT attempt_id
		FROM tasks
		WHERE state = 'RUNNING' AND lease_expires_at <= $1
	`, now.UTC())
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to select expired leases: %w", err))
	}

	released := make([]*models.Task, 0)

	for _, attemptID := range attemptIDs {
		var names []string

		g, err := r.mutate(ctx, attemptID, func(g *statemachine.Graph) error {
			for _, task := range g.Tasks() {
				if task.State != models.TaskStateRunning || task.LeaseExpiresAt == nil || task.LeaseExpiresAt.After(now) {
					continue
				}

				if err := g.ReleaseLease(task.Name, now); err != nil {
					return err
				}

				names = append(names, task.Name)
			}

			g.Finalize(now)

			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, name := range names {
			released = append(released, g.Task(name).Clone())
		}
	}

	return released, nil
}

func (r *TaskRepository) ForceFail(
	ctx context.Context,
	taskID int64,
	info *models.ErrorInfo,
	allowRetry bool,
	now time.Time,
) (*persistence.TaskResult, error) {
	res, err := r.mutateTask(ctx, taskID, func(g *statemachine.Graph, task *models.Task) error {
		return g.ForceFail(task.Name, info, allowRetry, now)
	}, now)
	if err != nil {
		return nil, persistence.NewTaskError("ForceFail", taskID, "", err)
	}

	return res, nil
}

func (r *TaskRepository) RequestTaskCancel(ctx context.Context, taskID int64, now time.Time) (*persistence.TaskResult, error) {
	res, err := r.mutateTask(ctx, taskID, func(g *statemachine.Graph, task *models.Task) error {
		return g.Cancel(task.Name, now)
	}, now)
	if err != nil {
		return nil, persistence.NewTaskError("RequestTaskCancel", taskID, "", err)
	}

	return res, nil
}

func (r *TaskRepository) FailAttempt(
	ctx context.Context,
	attemptID int64,
	info *models.ErrorInfo,
	now time.Time,
) (*persistence.TaskResult, error) {
	return r.mutateAttempt(ctx, "FailAttempt", attemptID, now, func(g *statemachine.Graph) error {
		for _, task := range g.Tasks() {
			failure := *info
			if err := g.ForceFail(task.Name, &failure, false, now); err != nil {
				return err
			}
		}

		return nil
	})
}

func (r *TaskRepository) RequestAttemptCancel(ctx context.Context, attemptID int64, now time.Time) (*persistence.TaskResult, error) {
	return r.mutateAttempt(ctx, "RequestAttemptCancel", attemptID, now, func(g *statemachine.Graph) error {
		return g.CancelAttempt(now)
	})
}

func (r *TaskRepository) TaskByID(ctx context.Context, id int64) (*models.Task, error) {
	task, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTaskError("TaskByID", id, "", persistence.ErrTaskNotFound)
		}

		return nil, storeError(fmt.Errorf("failed to get task: %w", err))
	}

	return task, nil
}

func (r *TaskRepository) TasksByAttempt(ctx context.Context, attemptID int64) ([]*models.Task, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM attempts WHERE id = $1)`, attemptID).Scan(&exists)
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to check attempt: %w", err))
	}

	if !exists {
		return nil, persistence.NewAttemptError("TasksByAttempt", attemptID, persistence.ErrAttemptNotFound)
	}

	tasks, err := queryTasks(ctx, r.logger, r.db, `SELECT `+taskColumns+` FROM tasks WHERE attempt_id = $1 ORDER BY id`, attemptID)
	if err != nil {
		return nil, storeError(err)
	}

	return tasks, nil
}

func (r *TaskRepository) mutateTask(
	ctx context.Context,
	taskID int64,
	fn func(g *statemachine.Graph, task *models.Task) error,
	now time.Time,
) (*persistence.TaskResult, error) {
	var attemptID int64

	err := r.db.QueryRowContext(ctx, `SELECT attempt_id FROM tasks WHERE id = $1`, taskID).Scan(&attemptID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTaskNotFound
		}

		return nil, storeError(fmt.Errorf("failed to get task: %w", err))
	}

	var (
		task     *models.Task
		finished bool
	)

	g, err := r.mutate(ctx, attemptID, func(g *statemachine.Graph) error {
		task = g.TaskByID(taskID)
		if task == nil {
			return persistence.ErrTaskNotFound
		}

		if err := fn(g, task); err != nil {
			return err
		}

		finished = g.Finalize(now)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &persistence.TaskResult{
		Task:            task.Clone(),
		Attempt:         g.Attempt().Clone(),
		AttemptFinished: finished,
	}, nil
}

func (r *TaskRepository) mutateAttempt(
	ctx context.Context,
	op string,
	attemptID int64,
	now time.Time,
	fn func(g *statemachine.Graph) error,
) (*persistence.TaskResult, error) {
	finished := false

	g, err := r.mutate(ctx, attemptID, func(g *statemachine.Graph) error {
		if err := fn(g); err != nil {
			return err
		}

		finished = g.Finalize(now)

		return nil
	})
	if err != nil {
		return nil, persistence.NewAttemptError(op, attemptID, err)
	}

	return &persistence.TaskResult{
		Attempt:         g.Attempt().Clone(),
		AttemptFinished: finished,
	}, nil
}

// mutate locks the attempt and its tasks, applies fn and writes back what changed.
func (r *TaskRepository) mutate(
	ctx context.Context,
	attemptID int64,
	fn func(g *statemachine.Graph) error,
) (*statemachine.Graph, error) {
	var g *statemachine.Graph

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		attempt, err := scanAttempt(tx.QueryRowContext(ctx,
			`SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, attemptID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return persistence.ErrAttemptNotFound
			}

			return fmt.Errorf("failed to lock attempt: %w", err)
		}

		tasks, err := queryTasks(ctx, r.logger, tx,
			`SELECT `+taskColumns+` FROM tasks WHERE attempt_id = $1 ORDER BY id FOR UPDATE`, attemptID)
		if err != nil {
			return err
		}

		g = statemachine.NewGraph(attempt, tasks)

		if err := fn(g); err != nil {
			return err
		}

		for _, task := range g.Dirty() {
			if err := updateTask(ctx, tx, task); err != nil {
				return err
			}
		}

		if g.AttemptChanged() {
			return updateAttempt(ctx, tx, g.Attempt())
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return g, nil
}

func insertTask(ctx context.Context, q querier, task *models.Task) error {
	config, params, upstream, retry, exported, failure, err := encodeTask(task)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (
			attempt_id
		  , name
		  , operator_type
		  , config
		  , params
		  , upstream
		  , state
		  , retry_count
		  , retry
		  , next_retry_at
		  , exported
		  , error
		  , cancel_requested
		  , claim_owner
		  , lease_expires_at
		  , carried
		  , ready_at
		  , started_at
		  , finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id
	`

	err = q.QueryRowContext(ctx, query,
		task.AttemptID,
		task.Name,
		task.OperatorType,
		config,
		params,
		upstream,
		task.State,
		task.RetryCount,
		retry,
		nullTime(task.NextRetryAt),
		exported,
		failure,
		task.CancelRequested,
		task.ClaimOwner,
		nullTime(task.LeaseExpiresAt),
		task.Carried,
		nullTime(task.ReadyAt),
		nullTime(task.StartedAt),
		nullTime(task.FinishedAt),
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.Name, err)
	}

	return nil
}

func updateTask(ctx context.Context, q querier, task *models.Task) error {
	_, params, _, _, exported, failure, err := encodeTask(task)
	if err != nil {
		return err
	}

	query := `
		UPDATE tasks SET
			params = $2
		  , state = $3
		  , retry_count = $4
		  , next_retry_at = $5
		  , exported = $6
		  , error = $7
		  , cancel_requested = $8
		  , claim_owner = $9
		  , lease_expires_at = $10
		  , ready_at = $11
		  , started_at = $12
		  , finished_at = $13
		WHERE id = $1
	`

	_, err = q.ExecContext(ctx, query,
		task.ID,
		params,
		task.State,
		task.RetryCount,
		nullTime(task.NextRetryAt),
		exported,
		failure,
		task.CancelRequested,
		task.ClaimOwner,
		nullTime(task.LeaseExpiresAt),
		nullTime(task.ReadyAt),
		nullTime(task.StartedAt),
		nullTime(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", task.ID, err)
	}

	return nil
}

func encodeTask(task *models.Task) (config, params, upstream, retry, exported, failure []byte, err error) {
	for _, column := range []struct {
		target *[]byte
		value  any
	}{
		{&config, task.Config},
		{&params, task.Params},
		{&upstream, task.Upstream},
		{&retry, task.Retry},
		{&exported, task.Exported},
		{&failure, task.Error},
	} {
		*column.target, err = encodeJSON(column.value)
		if err != nil {
			return
		}
	}

	return
}

func queryTasks(ctx context.Context, logger *slog.Logger, q querier, query string, args ...any) ([]*models.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer closeRows(ctx, logger, rows)

	tasks := make([]*models.Task, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func queryIDs(ctx context.Context, logger *slog.Logger, q querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer closeRows(ctx, logger, rows)

	ids := make([]int64, 0)

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		task                                               models.Task
		config, params, upstream, retry, exported, failure []byte
		nextRetryAt, leaseExpiresAt                        sql.NullTime
		readyAt, startedAt, finishedAt                     sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.AttemptID,
		&task.Name,
		&task.OperatorType,
		&config,
		&params,
		&upstream,
		&task.State,
		&task.RetryCount,
		&retry,
		&nextRetryAt,
		&exported,
		&failure,
		&task.CancelRequested,
		&task.ClaimOwner,
		&leaseExpiresAt,
		&task.Carried,
		&readyAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	task.NextRetryAt = timePtr(nextRetryAt)
	task.LeaseExpiresAt = timePtr(leaseExpiresAt)
	task.ReadyAt = timePtr(readyAt)
	task.StartedAt = timePtr(startedAt)
	task.FinishedAt = timePtr(finishedAt)

	for _, column := range []struct {
		data   []byte
		target any
	}{
		{config, &task.Config},
		{params, &task.Params},
		{upstream, &task.Upstream},
		{retry, &task.Retry},
		{exported, &task.Exported},
		{failure, &task.Error},
	} {
		if err := decodeJSON(column.data, column.target); err != nil {
			return nil, err
		}
	}

	return &task, nil
}

// sortClaimed restores ready order, which UPDATE ... RETURNING does not preserve.
func sortClaimed(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		left, right := tasks[i].ReadyAt, tasks[j].ReadyAt
		if left != nil && right != nil && !left.Equal(*right) {
			return left.Before(*right)
		}

		return tasks[i].ID < tasks[j].ID
	})
}
