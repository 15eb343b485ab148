// Package scheduler starts sessions of cron-scheduled workflows.
//
// The scheduler polls the store for due schedules, whatever their cron expressions. For
// each due tick it starts the session first and then moves the schedule to its next tick
// with a compare-and-set, so several schedulers can share a store: session creation is
// idempotent on the session time and only one of them wins the advance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
)

// SessionStarter creates the session of a workflow for a session time and opens its first
// attempt. Starting an existing session must not open another attempt.
type SessionStarter interface {
	StartScheduledSession(ctx context.Context, schedule *models.Schedule, sessionTime time.Time) error
}

type Config struct {
	Interval time.Duration `yaml:"interval"`

	// MaxCatchUp bounds how many missed ticks of one schedule are started in a single pass.
	MaxCatchUp int `yaml:"max_catch_up"`

	Now func() time.Time `yaml:"-"`
}

type Scheduler struct {
	config    Config
	schedules persistence.ScheduleRepository
	starter   SessionStarter
	logger    *slog.Logger
}

func New(config Config, schedules persistence.ScheduleRepository, starter SessionStarter, logger *slog.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}

	if config.MaxCatchUp < 1 {
		config.MaxCatchUp = 100
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	return &Scheduler{
		config:    config,
		schedules: schedules,
		starter:   starter,
		logger:    logger.With("module", "scheduler"),
	}
}

// Run processes due schedules every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting scheduler", "interval", s.config.Interval)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.ProcessDue(ctx, s.config.Now().UTC()); err != nil {
			s.logger.ErrorContext(ctx, "Failed to process due schedules", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue starts every tick that is due at now and returns how many ticks this call
// advanced.
func (s *Scheduler) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.schedules.DueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to get due schedules: %w", err)
	}

	if len(due) > 0 {
		s.logger.InfoContext(ctx, "Processing due schedules", "count", len(due))
	}

	started := 0

	var errs []error

	for _, schedule := range due {
		n, err := s.process(ctx, schedule, now)
		started += n

		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", schedule.ID, err))
		}
	}

	return started, errors.Join(errs...)
}

func (s *Scheduler) process(ctx context.Context, schedule *models.Schedule, now time.Time) (int, error) {
	logger := s.logger.With(
		"schedule_id", schedule.ID,
		"project_id", schedule.ProjectID,
		"workflow_name", schedule.WorkflowName,
		"cron_expression", schedule.CronExpression,
	)

	started := 0

	for started < s.config.MaxCatchUp && schedule.IsDue(now) {
		sessionTime := schedule.NextRunAt

		next, err := schedule.NextAfter(sessionTime)
		if err != nil {
			return started, err
		}

		if err := s.starter.StartScheduledSession(ctx, schedule, sessionTime); err != nil {
			return started, fmt.Errorf("failed to start session at %s: %w", sessionTime, err)
		}

		won, err := s.schedules.AdvanceSchedule(ctx, schedule.ID, sessionTime, next)
		if err != nil {
			return started, err
		}

		if !won {
			logger.DebugContext(ctx, "Schedule advanced by another scheduler", "session_time", sessionTime)

			return started, nil
		}

		logger.InfoContext(ctx, "Scheduled session started", "session_time", sessionTime, "next_run_at", next)

		schedule.NextRunAt = next
		started++
	}

	return started, nil
}
