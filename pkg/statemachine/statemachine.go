// Package statemachine drives the tasks of one attempt through their lifecycle.
//
// A Graph is loaded from the store inside a transaction, mutated through the methods below
// and written back: Dirty lists the tasks that changed and AttemptChanged tells whether the
// attempt row has to be updated too. Every readiness change caused by a completion happens
// in the same call, so downstream READY rows are committed together with the upstream result.
package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/retry"
)

var (
	ErrIllegalTransition = errors.New("illegal task state transition")
	ErrUnknownTask       = errors.New("unknown task")
)

var transitions = map[models.TaskState][]models.TaskState{
	models.TaskStateBlocked: {
		models.TaskStateReady,
		models.TaskStateError,
		models.TaskStateCanceled,
	},
	models.TaskStateReady: {
		models.TaskStateRunning,
		models.TaskStateError,
		models.TaskStateCanceled,
	},
	models.TaskStateRunning: {
		models.TaskStateSuccess,
		models.TaskStateError,
		models.TaskStateRetryWaiting,
		models.TaskStateCanceled,
		models.TaskStateReady,
	},
	models.TaskStateRetryWaiting: {
		models.TaskStateReady,
		models.TaskStateError,
		models.TaskStateCanceled,
	},
}

// CanTransition reports whether a task may move from one state to another.
func CanTransition(from, to models.TaskState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Graph is the in-memory view of an attempt and its tasks.
type Graph struct {
	attempt        *models.Attempt
	tasks          map[string]*models.Task
	order          []string
	downstream     map[string][]string
	dirty          map[string]bool
	attemptChanged bool
}

// NewGraph indexes tasks by name. The slice order is kept for deterministic iteration.
func NewGraph(attempt *models.Attempt, tasks []*models.Task) *Graph {
	g := &Graph{
		attempt:    attempt,
		tasks:      make(map[string]*models.Task, len(tasks)),
		order:      make([]string, 0, len(tasks)),
		downstream: make(map[string][]string),
		dirty:      make(map[string]bool),
	}

	for _, task := range tasks {
		g.tasks[task.Name] = task
		g.order = append(g.order, task.Name)
	}

	for _, name := range g.order {
		for _, dependency := range g.tasks[name].Upstream {
			g.downstream[dependency.TaskID] = append(g.downstream[dependency.TaskID], name)
		}
	}

	return g
}

func (g *Graph) Attempt() *models.Attempt {
	return g.attempt
}

// Task returns the task with the given name, or nil.
func (g *Graph) Task(name string) *models.Task {
	return g.tasks[name]
}

// TaskByID looks a task up by its store id.
func (g *Graph) TaskByID(id int64) *models.Task {
	for _, name := range g.order {
		if g.tasks[name].ID == id {
			return g.tasks[name]
		}
	}

	return nil
}

// Tasks returns every task in load order.
func (g *Graph) Tasks() []*models.Task {
	tasks := make([]*models.Task, 0, len(g.order))
	for _, name := range g.order {
		tasks = append(tasks, g.tasks[name])
	}

	return tasks
}

// Dirty returns the tasks modified since the graph was loaded, in load order.
func (g *Graph) Dirty() []*models.Task {
	tasks := make([]*models.Task, 0, len(g.dirty))

	for _, name := range g.order {
		if g.dirty[name] {
			tasks = append(tasks, g.tasks[name])
		}
	}

	return tasks
}

// AttemptChanged reports whether the attempt itself was modified.
func (g *Graph) AttemptChanged() bool {
	return g.attemptChanged
}

func (g *Graph) lookup(name string) (*models.Task, error) {
	task, exists := g.tasks[name]
	if !exists {
		return nil, fmt.Errorf("%w %q in attempt %d", ErrUnknownTask, name, g.attempt.ID)
	}

	return task, nil
}

func (g *Graph) move(task *models.Task, to models.TaskState) error {
	if !CanTransition(task.State, to) {
		return fmt.Errorf("%w: task %s from %s to %s", ErrIllegalTransition, task.Name, task.State, to)
	}

	task.State = to
	g.dirty[task.Name] = true

	return nil
}

// Claim moves a READY task to RUNNING under owner's lease.
func (g *Graph) Claim(name string, owner string, leaseUntil time.Time, now time.Time) error {
	task, err := g.lookup(name)
	if err != nil {
		return err
	}

	if task.State != models.TaskStateReady {
		return fmt.Errorf("%w: task %s is %s, not READY", ErrIllegalTransition, name, task.State)
	}

	if err := g.move(task, models.TaskStateRunning); err != nil {
		return err
	}

	task.ClaimOwner = owner
	task.LeaseExpiresAt = models.TimePtr(leaseUntil)
	task.StartedAt = models.TimePtr(now)

	return nil
}

// Complete applies the outcome of a RUNNING task and advances its downstream tasks.
//
// A task whose cancellation was requested ends CANCELED whatever the outcome. Otherwise a
// failure goes to RETRY_WAITING or ERROR as the retry policy decides.
func (g *Graph) Complete(name string, outcome models.Outcome, now time.Time) error {
	task, err := g.lookup(name)
	if err != nil {
		return err
	}

	if task.State != models.TaskStateRunning {
		return fmt.Errorf("%w: task %s is %s, not RUNNING", ErrIllegalTransition, name, task.State)
	}

	task.ClearClaim()

	if task.CancelRequested || g.attempt.CancelRequested {
		return g.cancelTask(task, now)
	}

	if outcome.Status == models.OutcomeSuccess {
		if err := g.move(task, models.TaskStateSuccess); err != nil {
			return err
		}

		task.Exported = outcome.Exported
		task.Error = nil
		task.FinishedAt = models.TimePtr(now)

		return g.advance(task.Name, now)
	}

	info := outcome.Error
	if info == nil {
		info = &models.ErrorInfo{Message: "task failed", Cause: models.CauseOperator}
	}

	info.Task = task.Name
	if info.At.IsZero() {
		info.At = now
	}

	return g.fail(task, info, true, now)
}

// ForceFail fails a task from outside the dispatcher, e.g. when an SLA deadline passed.
// A RUNNING task loses its claim; the retry policy is consulted only if allowRetry is set.
func (g *Graph) ForceFail(name string, info *models.ErrorInfo, allowRetry bool, now time.Time) error {
	task, err := g.lookup(name)
	if err != nil {
		return err
	}

	if task.State.IsTerminal() {
		return nil
	}

	info.Task = task.Name
	if info.At.IsZero() {
		info.At = now
	}

	wasRunning := task.State == models.TaskStateRunning
	task.ClearClaim()

	return g.fail(task, info, allowRetry && wasRunning, now)
}

func (g *Graph) fail(task *models.Task, info *models.ErrorInfo, allowRetry bool, now time.Time) error {
	task.Error = info

	if allowRetry && task.State == models.TaskStateRunning {
		again, at := retry.NewPolicy(task.Retry).Next(task.RetryCount, now)
		if again {
			if err := g.move(task, models.TaskStateRetryWaiting); err != nil {
				return err
			}

			task.RetryCount++
			task.NextRetryAt = models.TimePtr(at)

			return nil
		}
	}

	if err := g.move(task, models.TaskStateError); err != nil {
		return err
	}

	task.NextRetryAt = nil
	task.FinishedAt = models.TimePtr(now)

	return g.advance(task.Name, now)
}

// Cancel cancels a task. Tasks that are not running are canceled immediately; a running
// task only gets the request flag and is resolved when its execution ends.
func (g *Graph) Cancel(name string, now time.Time) error {
	task, err := g.lookup(name)
	if err != nil {
		return err
	}

	switch {
	case task.State.IsTerminal():
		return nil
	case task.State == models.TaskStateRunning:
		if !task.CancelRequested {
			task.CancelRequested = true
			g.dirty[task.Name] = true
		}

		return nil
	default:
		return g.cancelTask(task, now)
	}
}

// CancelAttempt requests cancellation of the whole attempt; it ends KILLED once every task
// has settled.
func (g *Graph) CancelAttempt(now time.Time) error {
	if g.attempt.State.IsTerminal() {
		return nil
	}

	if !g.attempt.CancelRequested {
		g.attempt.CancelRequested = true
		g.attemptChanged = true
	}

	for _, name := range g.order {
		if err := g.Cancel(name, now); err != nil {
			return err
		}
	}

	return nil
}

func (g *Graph) cancelTask(task *models.Task, now time.Time) error {
	if err := g.move(task, models.TaskStateCanceled); err != nil {
		return err
	}

	task.ClearClaim()
	task.NextRetryAt = nil
	task.FinishedAt = models.TimePtr(now)

	if task.Error == nil {
		task.Error = &models.ErrorInfo{Message: "canceled", Cause: models.CauseCancel, Task: task.Name, At: now}
	}

	return g.advance(task.Name, now)
}

// ReleaseLease returns a RUNNING task whose lease expired to READY so another dispatcher
// can claim it, or cancels it if a cancel was pending.
func (g *Graph) ReleaseLease(name string, now time.Time) error {
	task, err := g.lookup(name)
	if err != nil {
		return err
	}

	if task.State != models.TaskStateRunning {
		return nil
	}

	if task.CancelRequested || g.attempt.CancelRequested {
		return g.cancelTask(task, now)
	}

	if err := g.move(task, models.TaskStateReady); err != nil {
		return err
	}

	task.ClearClaim()
	task.ReadyAt = models.TimePtr(now)

	return nil
}

// PromoteDue moves RETRY_WAITING tasks whose retry time has come back to READY.
func (g *Graph) PromoteDue(now time.Time) []*models.Task {
	promoted := make([]*models.Task, 0)

	for _, name := range g.order {
		task := g.tasks[name]
		if task.State != models.TaskStateRetryWaiting || task.NextRetryAt == nil || task.NextRetryAt.After(now) {
			continue
		}

		if err := g.move(task, models.TaskStateReady); err != nil {
			continue
		}

		task.NextRetryAt = nil
		task.ReadyAt = models.TimePtr(now)
		promoted = append(promoted, task)
	}

	return promoted
}

// advance re-evaluates the BLOCKED downstream tasks of a task that just became terminal.
func (g *Graph) advance(name string, now time.Time) error {
	for _, child := range g.downstream[name] {
		task := g.tasks[child]
		if task.State != models.TaskStateBlocked {
			continue
		}

		ready, blocker := g.evaluate(task)

		switch {
		case ready && g.attempt.CancelRequested:
			if err := g.cancelTask(task, now); err != nil {
				return err
			}
		case ready:
			params, err := models.InheritParams(g.upstreamOf(task))
			if err != nil {
				return err
			}

			if err := g.move(task, models.TaskStateReady); err != nil {
				return err
			}

			task.Params = params
			task.ReadyAt = models.TimePtr(now)
		case blocker != nil && blocker.State == models.TaskStateCanceled:
			task.Error = &models.ErrorInfo{
				Message: fmt.Sprintf("skipped: upstream %s canceled", blocker.Name),
				Cause:   models.CauseCancel,
				Task:    task.Name,
				At:      now,
			}

			if err := g.cancelTask(task, now); err != nil {
				return err
			}
		case blocker != nil:
			if err := g.move(task, models.TaskStateError); err != nil {
				return err
			}

			task.Error = &models.ErrorInfo{
				Message: fmt.Sprintf("skipped: upstream %s failed", blocker.Name),
				Cause:   models.CauseUpstream,
				Task:    task.Name,
				At:      now,
			}
			task.FinishedAt = models.TimePtr(now)

			if err := g.advance(task.Name, now); err != nil {
				return err
			}
		}
	}

	return nil
}

// evaluate reports whether every upstream edge of task is satisfied. If not, blocker is an
// upstream that is terminal but does not satisfy its edge, meaning task can never run.
func (g *Graph) evaluate(task *models.Task) (bool, *models.Task) {
	ready := true

	var blocker *models.Task

	for _, dependency := range task.Upstream {
		parent := g.tasks[dependency.TaskID]
		if parent == nil || dependency.SatisfiedBy(parent.State) {
			continue
		}

		ready = false

		if parent.State.IsTerminal() && blocker == nil {
			blocker = parent
		}
	}

	return ready, blocker
}

func (g *Graph) upstreamOf(task *models.Task) []*models.Task {
	upstream := make([]*models.Task, 0, len(task.Upstream))

	for _, dependency := range task.Upstream {
		if parent := g.tasks[dependency.TaskID]; parent != nil {
			upstream = append(upstream, parent)
		}
	}

	return upstream
}

// AttemptState computes the attempt state implied by its tasks.
func (g *Graph) AttemptState() (models.AttemptState, *models.ErrorInfo) {
	for _, name := range g.order {
		if !g.tasks[name].State.IsTerminal() {
			return models.AttemptStateRunning, nil
		}
	}

	if g.attempt.CancelRequested {
		return models.AttemptStateKilled, &models.ErrorInfo{Message: "attempt killed", Cause: models.CauseCancel}
	}

	for _, name := range g.order {
		task := g.tasks[name]

		switch task.State {
		case models.TaskStateSuccess:
			continue
		case models.TaskStateCanceled:
			if g.cancelPermitted(name) {
				continue
			}
		}

		return models.AttemptStateError, g.firstFailure()
	}

	return models.AttemptStateSuccess, nil
}

// cancelPermitted is true when a canceled task has downstream tasks and every one of those
// edges continues on cancel.
func (g *Graph) cancelPermitted(name string) bool {
	children := g.downstream[name]
	if len(children) == 0 {
		return false
	}

	for _, child := range children {
		for _, dependency := range g.tasks[child].Upstream {
			if dependency.TaskID == name && !dependency.ContinueOnCancel {
				return false
			}
		}
	}

	return true
}

func (g *Graph) firstFailure() *models.ErrorInfo {
	var fallback *models.ErrorInfo

	for _, name := range g.order {
		task := g.tasks[name]
		if task.Error == nil || task.State == models.TaskStateSuccess {
			continue
		}

		if task.State == models.TaskStateError && task.Error.Cause != models.CauseUpstream {
			return task.Error
		}

		if fallback == nil {
			fallback = task.Error
		}
	}

	if fallback == nil {
		fallback = &models.ErrorInfo{Message: "attempt failed", Cause: models.CauseOperator}
	}

	return fallback
}

// Finalize closes the attempt when all tasks are terminal. It returns true if the attempt
// reached a terminal state in this call.
func (g *Graph) Finalize(now time.Time) bool {
	if g.attempt.State.IsTerminal() {
		return false
	}

	state, info := g.AttemptState()
	if state == models.AttemptStateRunning {
		return false
	}

	g.attempt.State = state
	g.attempt.Error = info
	g.attempt.FinishedAt = models.TimePtr(now)
	g.attemptChanged = true

	return true
}
