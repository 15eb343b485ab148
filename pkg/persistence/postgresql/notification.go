package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/lib/pq"
)

const notificationColumns = `
	id
  , payload
  , state
  , attempts
  , last_error
  , claim_owner
  , lease_expires_at
  , created_at
  , updated_at
`

// NotificationRepository is the notification outbox.
type NotificationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNotificationRepository creates a new notification outbox repository.
func NewNotificationRepository(db *sql.DB, logger *slog.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

func (r *NotificationRepository) ClaimNotifications(
	ctx context.Context,
	owner string,
	limit int,
	lease time.Duration,
	now time.Time,
) ([]*models.NotificationRecord, error) {
	var maxRows sql.NullInt64
	if limit >= 0 {
		maxRows = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	claimed := make([]*models.NotificationRecord, 0)

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, r.logger, tx, `
			SELECT id
			FROM notifications
			WHERE state = 'PENDING'
			  AND (claim_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= $1)
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now.UTC(), maxRows)
		if err != nil {
			return fmt.Errorf("failed to select pending notifications: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE notifications SET
				claim_owner = $2
			  , lease_expires_at = $3
			  , updated_at = $4
			WHERE id = ANY($1) AND state = 'PENDING'
			RETURNING `+notificationColumns,
			pq.Array(ids),
			owner,
			now.Add(lease).UTC(),
			now.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to claim notifications: %w", err)
		}
		defer closeRows(ctx, r.logger, rows)

		for rows.Next() {
			record, err := scanNotification(rows)
			if err != nil {
				return fmt.Errorf("failed to scan notification: %w", err)
			}

			claimed = append(claimed, record)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })

	return claimed, nil
}

// CompleteNotification only updates a PENDING row still claimed by owner.
func (r *NotificationRepository) CompleteNotification(
	ctx context.Context,
	id int64,
	owner string,
	outcome models.DeliveryOutcome,
	now time.Time,
) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET
			state = $3
		  , attempts = attempts + $4
		  , last_error = $5
		  , claim_owner = ''
		  , lease_expires_at = NULL
		  , updated_at = $6
		WHERE id = $1 AND state = 'PENDING' AND claim_owner = $2 AND claim_owner <> ''
	`, id, owner, outcome.State, outcome.Attempts, outcome.LastError, now.UTC())
	if err != nil {
		return storeError(fmt.Errorf("failed to complete notification: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storeError(fmt.Errorf("failed to get rows affected: %w", err))
	}

	if affected == 1 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return storeError(fmt.Errorf("failed to check notification: %w", err))
	}

	if !exists {
		return persistence.ErrNotificationNotFound
	}

	return persistence.ErrClaimLost
}

func (r *NotificationRepository) Notifications(ctx context.Context, attemptID int64) ([]*models.NotificationRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE attempt_id = $1 ORDER BY id`, attemptID)
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to query notifications: %w", err))
	}
	defer closeRows(ctx, r.logger, rows)

	records := make([]*models.NotificationRecord, 0)

	for rows.Next() {
		record, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, storeError(fmt.Errorf("error iterating notifications: %w", err))
	}

	return records, nil
}

func insertNotification(ctx context.Context, q querier, record *models.NotificationRecord) error {
	payload, err := encodeJSON(record.Notification)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (
			attempt_id
		  , rule_id
		  , payload
		  , state
		  , attempts
		  , last_error
		  , created_at
		  , updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err = q.QueryRowContext(ctx, query,
		record.Notification.AttemptID,
		record.Notification.RuleID,
		payload,
		record.State,
		record.Attempts,
		record.LastError,
		record.CreatedAt,
		record.UpdatedAt,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	return nil
}

func scanNotification(row scanner) (*models.NotificationRecord, error) {
	var (
		record         models.NotificationRecord
		payload        []byte
		leaseExpiresAt sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&payload,
		&record.State,
		&record.Attempts,
		&record.LastError,
		&record.ClaimOwner,
		&leaseExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.LeaseExpiresAt = timePtr(leaseExpiresAt)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()

	if err := decodeJSON(payload, &record.Notification); err != nil {
		return nil, err
	}

	return &record, nil
}
