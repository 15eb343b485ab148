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

const ruleColumns = `
	id
  , attempt_id
  , task_name
  , kind
  , time_of_day
  , duration_seconds
  , time_zone
  , action
  , no_retry
  , task
  , triggered_at
`

// SLARepository handles SLA rules.
type SLARepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSLARepository creates a new SLA rule repository.
func NewSLARepository(db *sql.DB, logger *slog.Logger) *SLARepository {
	return &SLARepository{db: db, logger: logger}
}

func (r *SLARepository) RulesByAttempt(ctx context.Context, attemptID int64) ([]*models.SLARule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM sla_rules WHERE attempt_id = $1 ORDER BY id`, attemptID)
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to query sla rules: %w", err))
	}
	defer closeRows(ctx, r.logger, rows)

	rules := make([]*models.SLARule, 0)

	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sla rule: %w", err)
		}

		rules = append(rules, rule)
	}

	err = rows.Err()
	if err != nil {
		return nil, storeError(fmt.Errorf("error iterating sla rules: %w", err))
	}

	return rules, nil
}

// TriggerRule is a compare-and-set on triggered_at, so concurrent monitors fire a rule once.
// The alert and task of the firing are inserted in the same transaction.
func (r *SLARepository) TriggerRule(ctx context.Context, ruleID int64, firing models.SLAFiring, now time.Time) (bool, error) {
	won := false

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var attemptID int64

		err := tx.QueryRowContext(ctx,
			`UPDATE sla_rules SET triggered_at = $2 WHERE id = $1 AND triggered_at IS NULL RETURNING attempt_id`,
			ruleID, now.UTC()).Scan(&attemptID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to trigger sla rule: %w", err)
		}

		won = true

		if firing.Alert != nil {
			record := models.NewNotificationRecord(*firing.Alert, now)
			if err := insertNotification(ctx, tx, record); err != nil {
				return err
			}
		}

		if firing.Task != nil {
			return addSLATask(ctx, tx, attemptID, firing.Task)
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	if won {
		return true, nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sla_rules WHERE id = $1)`, ruleID).Scan(&exists)
	if err != nil {
		return false, storeError(fmt.Errorf("failed to check sla rule: %w", err))
	}

	if !exists {
		return false, persistence.ErrRuleNotFound
	}

	return false, nil
}

// addSLATask inserts task into the attempt unless the attempt ended or is being canceled.
// The attempt row is locked so a concurrent completion cannot finalize it in between.
func addSLATask(ctx context.Context, tx *sql.Tx, attemptID int64, task *models.Task) error {
	var (
		state           models.AttemptState
		cancelRequested bool
	)

	err := tx.QueryRowContext(ctx,
		`SELECT state, cancel_requested FROM attempts WHERE id = $1 FOR UPDATE`,
		attemptID).Scan(&state, &cancelRequested)
	if err != nil {
		return fmt.Errorf("failed to lock attempt %d: %w", attemptID, err)
	}

	if state != models.AttemptStateRunning || cancelRequested {
		return nil
	}

	added := task.Clone()
	added.AttemptID = attemptID

	return insertTask(ctx, tx, added)
}

func insertRule(ctx context.Context, q querier, rule *models.SLARule) error {
	query := `
		INSERT INTO sla_rules (
			attempt_id
		  , task_name
		  , kind
		  , time_of_day
		  , duration_seconds
		  , time_zone
		  , action
		  , no_retry
		  , task
		  , triggered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	task, err := encodeJSON(rule.Task)
	if err != nil {
		return err
	}

	err = q.QueryRowContext(ctx, query,
		rule.AttemptID,
		rule.TaskName,
		rule.Kind,
		rule.TimeOfDay,
		rule.DurationSeconds,
		rule.TimeZone,
		rule.Action,
		rule.NoRetry,
		task,
		nullTime(rule.TriggeredAt),
	).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("failed to insert sla rule: %w", err)
	}

	return nil
}

func scanRule(row scanner) (*models.SLARule, error) {
	var (
		rule        models.SLARule
		task        []byte
		triggeredAt sql.NullTime
	)

	err := row.Scan(
		&rule.ID,
		&rule.AttemptID,
		&rule.TaskName,
		&rule.Kind,
		&rule.TimeOfDay,
		&rule.DurationSeconds,
		&rule.TimeZone,
		&rule.Action,
		&rule.NoRetry,
		&task,
		&triggeredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRuleNotFound
		}

		return nil, err
	}

	rule.TriggeredAt = timePtr(triggeredAt)

	if err := decodeJSON(task, &rule.Task); err != nil {
		return nil, err
	}

	return &rule, nil
}
