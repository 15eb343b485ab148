package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
)

const scheduleColumns = `
	id
  , project_id
  , project_name
  , workflow_name
  , cron_expression
  , time_zone
  , next_run_at
  , active
  , created_at
  , updated_at
`

// ScheduleRepository handles workflow schedules.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

// SaveSchedule inserts a schedule or replaces the one of the same workflow.
func (r *ScheduleRepository) SaveSchedule(ctx context.Context, schedule *models.Schedule) error {
	query := `
		INSERT INTO schedules (
			id
		  , project_id
		  , project_name
		  , workflow_name
		  , cron_expression
		  , time_zone
		  , next_run_at
		  , active
		  , created_at
		  , updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (project_id, workflow_name) DO UPDATE SET
			id = EXCLUDED.id
		  , project_name = EXCLUDED.project_name
		  , cron_expression = EXCLUDED.cron_expression
		  , time_zone = EXCLUDED.time_zone
		  , next_run_at = EXCLUDED.next_run_at
		  , active = EXCLUDED.active
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.ProjectID,
		schedule.ProjectName,
		schedule.WorkflowName,
		schedule.CronExpression,
		schedule.TimeZone,
		schedule.NextRunAt.UTC(),
		schedule.Active,
		schedule.CreatedAt.UTC(),
		schedule.UpdatedAt.UTC(),
	)
	if err != nil {
		return storeError(fmt.Errorf("failed to save schedule: %w", err))
	}

	return nil
}

func (r *ScheduleRepository) ScheduleByWorkflow(ctx context.Context, projectID, workflowName string) (*models.Schedule, error) {
	schedule, err := scanSchedule(r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE project_id = $1 AND workflow_name = $2`,
		projectID, workflowName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScheduleNotFound
		}

		return nil, storeError(fmt.Errorf("failed to get schedule: %w", err))
	}

	return schedule, nil
}

func (r *ScheduleRepository) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE active AND next_run_at <= $1 ORDER BY next_run_at`,
		now.UTC())
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to query due schedules: %w", err))
	}
	defer closeRows(ctx, r.logger, rows)

	schedules := make([]*models.Schedule, 0)

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	err = rows.Err()
	if err != nil {
		return nil, storeError(fmt.Errorf("error iterating schedules: %w", err))
	}

	return schedules, nil
}

func (r *ScheduleRepository) AdvanceSchedule(ctx context.Context, id string, expected, next time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = $3, updated_at = NOW() WHERE id = $1 AND next_run_at = $2`,
		id, expected.UTC(), next.UTC())
	if err != nil {
		return false, storeError(fmt.Errorf("failed to advance schedule: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, storeError(fmt.Errorf("failed to get rows affected: %w", err))
	}

	if affected == 1 {
		return true, nil
	}

	if _, err := scanSchedule(r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, persistence.ErrScheduleNotFound
		}

		return false, storeError(fmt.Errorf("failed to check schedule: %w", err))
	}

	return false, nil
}

func scanSchedule(row scanner) (*models.Schedule, error) {
	var schedule models.Schedule

	err := row.Scan(
		&schedule.ID,
		&schedule.ProjectID,
		&schedule.ProjectName,
		&schedule.WorkflowName,
		&schedule.CronExpression,
		&schedule.TimeZone,
		&schedule.NextRunAt,
		&schedule.Active,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.NextRunAt = schedule.NextRunAt.UTC()
	schedule.CreatedAt = schedule.CreatedAt.UTC()
	schedule.UpdatedAt = schedule.UpdatedAt.UTC()

	return &schedule, nil
}
