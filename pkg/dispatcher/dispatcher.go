// Package dispatcher claims READY tasks from the store and runs them through their operators.
//
// Any number of dispatchers may share one store. A task is executed by whoever claimed it;
// the claim is a lease that the dispatcher renews while the operator runs. If the process
// dies the lease expires and a sweeper, in this or another dispatcher, puts the task back
// to READY.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/flowkeeper/pkg/eventbus"
	"github.com/dukex/flowkeeper/pkg/events"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/otelhelper"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/registry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	errCancelRequested = errors.New("task cancel requested")
	errShuttingDown    = errors.New("dispatcher shutting down")
)

// AttemptObserver is told about every attempt that reached a terminal state through a
// result this dispatcher recorded.
type AttemptObserver interface {
	HandleAttemptFinished(ctx context.Context, attempt *models.Attempt) error
}

type Option func(*Dispatcher)

func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(d *Dispatcher) { d.publisher = publisher }
}

func WithObserver(observer AttemptObserver) Option {
	return func(d *Dispatcher) { d.observer = observer }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// execution is a task this dispatcher currently holds a claim on.
type execution struct {
	task   *models.Task
	cancel context.CancelCauseFunc
}

type Dispatcher struct {
	config    Config
	store     persistence.Persistence
	registry  *registry.Registry
	publisher eventbus.EventPublisher
	observer  AttemptObserver
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[int64]*execution
}

func New(
	config Config,
	store persistence.Persistence,
	registry *registry.Registry,
	logger *slog.Logger,
	options ...Option,
) *Dispatcher {
	if config.ID == "" {
		config.ID = "dispatcher-" + uuid.NewString()
	}

	d := &Dispatcher{
		config:    config,
		store:     store,
		registry:  registry,
		publisher: eventbus.Nop(),
		tracer:    otelhelper.NoopTracer(),
		logger:    logger.With("module", "dispatcher", "dispatcher_id", config.ID),
		now:       time.Now,
		inflight:  make(map[int64]*execution),
	}

	for _, option := range options {
		option(d)
	}

	return d
}

func (d *Dispatcher) ID() string {
	return d.config.ID
}

// Run polls until ctx ends, then waits for in-flight executions to return.
// Executions interrupted by shutdown are not recorded; their leases expire and the tasks
// are picked up again.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.config.Validate(); err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "Starting dispatcher",
		"workers", d.config.Workers,
		"poll_interval", d.config.PollInterval,
		"lease", d.config.LeaseDuration)

	// worker slots are the in-flight executions; claimAndSubmit never claims more than
	// are free, so the pool itself is unbounded and Go never blocks the poll loop
	pool := &errgroup.Group{}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		d.poll(groupCtx, pool)

		return nil
	})

	group.Go(func() error {
		d.every(groupCtx, d.config.SweepInterval, d.sweep)

		return nil
	})

	group.Go(func() error {
		d.every(groupCtx, d.config.HeartbeatInterval, d.heartbeat)

		return nil
	})

	err := group.Wait()

	d.cancelAll(errShuttingDown)

	if poolErr := pool.Wait(); poolErr != nil && err == nil {
		err = poolErr
	}

	d.logger.InfoContext(ctx, "Dispatcher stopped")

	return err
}

func (d *Dispatcher) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context, pool *errgroup.Group) {
	backoff := d.config.StoreRetry.Backoff()
	delay := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := d.claimAndSubmit(ctx, pool)
		if err == nil {
			backoff = d.config.StoreRetry.Backoff()
			delay = d.config.PollInterval

			continue
		}

		if ctx.Err() != nil {
			return
		}

		delay = backoff.Step()
		if delay < d.config.PollInterval {
			delay = d.config.PollInterval
		}

		d.logger.ErrorContext(ctx, "Failed to claim tasks", "error", err, "retry_in", delay)
	}
}

// claimAndSubmit claims as many tasks as there are free workers and starts them on pool.
// A slot is taken when a task is tracked and freed when its execution untracks it.
func (d *Dispatcher) claimAndSubmit(ctx context.Context, pool *errgroup.Group) error {
	limit := min(d.config.BatchSize, d.config.Workers-d.inflightCount())
	if limit <= 0 {
		return nil
	}

	tasks, err := d.store.TaskRepository().ClaimReadyTasks(ctx, d.config.ID, limit, d.config.LeaseDuration, d.now())
	if err != nil {
		return err
	}

	for _, task := range tasks {
		execCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		d.track(task, cancel)

		pool.Go(func() error {
			defer func() {
				cancel(nil)
				d.untrack(task.ID)
			}()

			d.execute(execCtx, task)

			return nil
		})
	}

	return nil
}

func (d *Dispatcher) sweep(ctx context.Context) {
	released, err := d.store.TaskRepository().ReleaseExpiredLeases(ctx, d.now())
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to release expired leases", "error", err)

		return
	}

	for _, task := range released {
		d.logger.WarnContext(ctx, "Released expired lease",
			"task_id", task.ID,
			"task_name", task.Name,
			"attempt_id", task.AttemptID,
			"state", task.State)
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context) {
	leaseUntil := d.now().Add(d.config.LeaseDuration)

	for _, exec := range d.snapshot() {
		cancelRequested, err := d.store.TaskRepository().Heartbeat(ctx, exec.task.ID, d.config.ID, leaseUntil)

		switch {
		case persistence.IsClaimLost(err):
			d.logger.WarnContext(ctx, "Claim lost, stopping execution", "task_id", exec.task.ID)
			exec.cancel(persistence.ErrClaimLost)
		case err != nil:
			d.logger.ErrorContext(ctx, "Failed to renew lease", "task_id", exec.task.ID, "error", err)
		case cancelRequested:
			d.logger.InfoContext(ctx, "Cancel requested, stopping execution", "task_id", exec.task.ID)
			exec.cancel(errCancelRequested)
		}
	}
}

func (d *Dispatcher) track(task *models.Task, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inflight[task.ID] = &execution{task: task, cancel: cancel}
}

func (d *Dispatcher) untrack(taskID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inflight, taskID)
}

func (d *Dispatcher) inflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.inflight)
}

func (d *Dispatcher) snapshot() []*execution {
	d.mu.Lock()
	defer d.mu.Unlock()

	executions := make([]*execution, 0, len(d.inflight))
	for _, exec := range d.inflight {
		executions = append(executions, exec)
	}

	return executions
}

func (d *Dispatcher) cancelAll(cause error) {
	for _, exec := range d.snapshot() {
		exec.cancel(cause)
	}
}

func (d *Dispatcher) publish(ctx context.Context, attemptID int64, event eventbus.Event) {
	err := d.publisher.Publish(ctx, strconv.FormatInt(attemptID, 10), event)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func (d *Dispatcher) attemptFinished(ctx context.Context, attempt *models.Attempt) {
	finished := events.AttemptFinished{
		BaseEvent: events.NewAttemptEvent(events.AttemptFinishedEvent, attempt),
		SessionID: attempt.SessionID,
		State:     attempt.State,
		Error:     attempt.Error,
	}
	finished.WorkerID = d.config.ID

	if attempt.FinishedAt != nil {
		finished.Duration = attempt.FinishedAt.Sub(attempt.StartedAt)
	}

	d.publish(ctx, attempt.ID, finished)

	if d.observer == nil {
		return
	}

	if err := d.observer.HandleAttemptFinished(ctx, attempt); err != nil {
		d.logger.ErrorContext(ctx, "Attempt observer failed", "attempt_id", attempt.ID, "error", err)
	}
}
