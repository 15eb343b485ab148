package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/statemachine"
)

// TaskRepository handles task state. The process-wide mutex stands in for the row locks
// the SQL implementation takes.
type TaskRepository struct {
	store *Persistence
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

func (tr *TaskRepository) ClaimReadyTasks(
	_ context.Context,
	owner string,
	limit int,
	lease time.Duration,
	now time.Time,
) ([]*models.Task, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	state := tr.store.state
	changed := false

	for _, attempt := range state.Attempts {
		if attempt.State != models.AttemptStateRunning {
			continue
		}

		g := statemachine.NewGraph(attempt, tr.store.tasksOf(attempt.ID))
		if len(g.PromoteDue(now)) > 0 {
			changed = true
		}
	}

	candidates := make([]*models.Task, 0)

	for _, task := range state.Tasks {
		if task.State != models.TaskStateReady {
			continue
		}

		attempt := state.Attempts[task.AttemptID]
		if attempt == nil || attempt.State != models.AttemptStateRunning || attempt.CancelRequested {
			continue
		}

		candidates = append(candidates, task)
	}

	sort.Slice(candidates, func(i, j int) bool {
		left, right := candidates[i].ReadyAt, candidates[j].ReadyAt
		if left != nil && right != nil && !left.Equal(*right) {
			return left.Before(*right)
		}

		return candidates[i].ID < candidates[j].ID
	})

	if limit >= 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*models.Task, 0, len(candidates))

	for _, task := range candidates {
		g := statemachine.NewGraph(state.Attempts[task.AttemptID], tr.store.tasksOf(task.AttemptID))
		if err := g.Claim(task.Name, owner, now.Add(lease), now); err != nil {
			continue
		}

		changed = true

		claimed = append(claimed, task.Clone())
	}

	if !changed {
		return claimed, nil
	}

	if err := tr.store.commit(); err != nil {
		return nil, err
	}

	return claimed, nil
}

func (tr *TaskRepository) Heartbeat(_ context.Context, taskID int64, owner string, leaseUntil time.Time) (bool, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	task, exists := tr.store.state.Tasks[taskID]
	if !exists {
		return false, persistence.NewTaskError("Heartbeat", taskID, owner, persistence.ErrTaskNotFound)
	}

	if task.State != models.TaskStateRunning || task.ClaimOwner != owner {
		return false, persistence.NewTaskError("Heartbeat", taskID, owner, persistence.ErrClaimLost)
	}

	task.LeaseExpiresAt = models.TimePtr(leaseUntil)

	cancelRequested := task.CancelRequested
	if attempt := tr.store.state.Attempts[task.AttemptID]; attempt != nil && attempt.CancelRequested {
		cancelRequested = true
	}

	if err := tr.store.commit(); err != nil {
		return false, err
	}

	return cancelRequested, nil
}

func (tr *TaskRepository) RecordTaskResult(
	_ context.Context,
	taskID int64,
	owner string,
	outcome models.Outcome,
	now time.Time,
) (*persistence.TaskResult, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	task, exists := tr.store.state.Tasks[taskID]
	if !exists {
		return nil, persistence.NewTaskError("RecordTaskResult", taskID, owner, persistence.ErrTaskNotFound)
	}

	if task.State != models.TaskStateRunning || task.ClaimOwner != owner {
		return nil, persistence.NewTaskError("RecordTaskResult", taskID, owner, persistence.ErrClaimLost)
	}

	finished := false

	g, err := tr.store.withGraph(task.AttemptID, func(g *statemachine.Graph) error {
		if err := g.Complete(task.Name, outcome, now); err != nil {
			return err
		}

		finished = g.Finalize(now)

		return nil
	})
	if err != nil {
		return nil, persistence.NewTaskError("RecordTaskResult", taskID, owner, err)
	}

	return result(g, g.Task(task.Name), finished), nil
}

func (tr *TaskRepository) ReleaseExpiredLeases(_ context.Context, now time.Time) ([]*models.Task, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	expired := make(map[int64][]string)

	for _, task := range tr.store.state.Tasks {
		if task.State == models.TaskStateRunning && task.LeaseExpiresAt != nil && !task.LeaseExpiresAt.After(now) {
			expired[task.AttemptID] = append(expired[task.AttemptID], task.Name)
		}
	}

	released := make([]*models.Task, 0)

	for attemptID, names := range expired {
		g, err := tr.store.withGraph(attemptID, func(g *statemachine.Graph) error {
			for _, name := range names {
				if err := g.ReleaseLease(name, now); err != nil {
					return err
				}
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

	sortTasks(released)

	return released, nil
}

func (tr *TaskRepository) ForceFail(
	_ context.Context,
	taskID int64,
	info *models.ErrorInfo,
	allowRetry bool,
	now time.Time,
) (*persistence.TaskResult, error) {
	return tr.mutateTask("ForceFail", taskID, now, func(g *statemachine.Graph, name string) error {
		return g.ForceFail(name, info, allowRetry, now)
	})
}

func (tr *TaskRepository) RequestTaskCancel(_ context.Context, taskID int64, now time.Time) (*persistence.TaskResult, error) {
	return tr.mutateTask("RequestTaskCancel", taskID, now, func(g *statemachine.Graph, name string) error {
		return g.Cancel(name, now)
	})
}

func (tr *TaskRepository) mutateTask(
	op string,
	taskID int64,
	now time.Time,
	fn func(g *statemachine.Graph, name string) error,
) (*persistence.TaskResult, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	task, exists := tr.store.state.Tasks[taskID]
	if !exists {
		return nil, persistence.NewTaskError(op, taskID, "", persistence.ErrTaskNotFound)
	}

	finished := false

	g, err := tr.store.withGraph(task.AttemptID, func(g *statemachine.Graph) error {
		if err := fn(g, task.Name); err != nil {
			return err
		}

		finished = g.Finalize(now)

		return nil
	})
	if err != nil {
		return nil, persistence.NewTaskError(op, taskID, "", err)
	}

	return result(g, g.Task(task.Name), finished), nil
}

func (tr *TaskRepository) FailAttempt(
	_ context.Context,
	attemptID int64,
	info *models.ErrorInfo,
	now time.Time,
) (*persistence.TaskResult, error) {
	return tr.mutateAttempt("FailAttempt", attemptID, now, func(g *statemachine.Graph) error {
		for _, task := range g.Tasks() {
			failure := *info
			if err := g.ForceFail(task.Name, &failure, false, now); err != nil {
				return err
			}
		}

		return nil
	})
}

func (tr *TaskRepository) RequestAttemptCancel(_ context.Context, attemptID int64, now time.Time) (*persistence.TaskResult, error) {
	return tr.mutateAttempt("RequestAttemptCancel", attemptID, now, func(g *statemachine.Graph) error {
		return g.CancelAttempt(now)
	})
}

func (tr *TaskRepository) mutateAttempt(
	op string,
	attemptID int64,
	now time.Time,
	fn func(g *statemachine.Graph) error,
) (*persistence.TaskResult, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	finished := false

	g, err := tr.store.withGraph(attemptID, func(g *statemachine.Graph) error {
		if err := fn(g); err != nil {
			return err
		}

		finished = g.Finalize(now)

		return nil
	})
	if err != nil {
		return nil, persistence.NewAttemptError(op, attemptID, err)
	}

	return result(g, nil, finished), nil
}

func (tr *TaskRepository) TaskByID(_ context.Context, id int64) (*models.Task, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	task, exists := tr.store.state.Tasks[id]
	if !exists {
		return nil, persistence.NewTaskError("TaskByID", id, "", persistence.ErrTaskNotFound)
	}

	return task.Clone(), nil
}

func (tr *TaskRepository) TasksByAttempt(_ context.Context, attemptID int64) ([]*models.Task, error) {
	tr.store.mu.Lock()
	defer tr.store.mu.Unlock()

	if _, exists := tr.store.state.Attempts[attemptID]; !exists {
		return nil, persistence.NewAttemptError("TasksByAttempt", attemptID, persistence.ErrAttemptNotFound)
	}

	tasks := tr.store.tasksOf(attemptID)
	copies := make([]*models.Task, 0, len(tasks))

	for _, task := range tasks {
		copies = append(copies, task.Clone())
	}

	return copies, nil
}
