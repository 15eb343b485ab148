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

const sessionColumns = `
	id
  , project_id
  , project_name
  , workflow_name
  , session_time
  , time_zone
  , params
  , created_at
`

const attemptColumns = `
	id
  , session_id
  , attempt_index
  , retry_attempt_name
  , state
  , cancel_requested
  , params
  , project_id
  , project_name
  , workflow_name
  , session_time
  , time_zone
  , started_at
  , finished_at
  , error
`

// SessionRepository handles sessions and attempts.
type SessionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *sql.DB, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{db: db, logger: logger}
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *models.Session) (*models.Session, bool, error) {
	params, err := encodeJSON(session.Params)
	if err != nil {
		return nil, false, err
	}

	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sessions (
			project_id
		  , project_name
		  , workflow_name
		  , session_time
		  , time_zone
		  , params
		  , created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, workflow_name, session_time) DO NOTHING
		RETURNING ` + sessionColumns

	stored, err := scanSession(r.db.QueryRowContext(ctx, query,
		session.ProjectID,
		session.ProjectName,
		session.WorkflowName,
		session.SessionTime.UTC(),
		session.TimeZone,
		params,
		createdAt.UTC(),
	))
	if err == nil {
		return stored, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, storeError(fmt.Errorf("failed to create session: %w", err))
	}

	existing, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = $1 AND workflow_name = $2 AND session_time = $3`,
		session.ProjectID,
		session.WorkflowName,
		session.SessionTime.UTC(),
	))
	if err != nil {
		return nil, false, storeError(fmt.Errorf("failed to load existing session: %w", err))
	}

	return existing, false, nil
}

func (r *SessionRepository) SessionByID(ctx context.Context, id int64) (*models.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewSessionError("SessionByID", id, persistence.ErrSessionNotFound)
		}

		return nil, storeError(fmt.Errorf("failed to get session: %w", err))
	}

	return session, nil
}

func (r *SessionRepository) OpenAttempt(
	ctx context.Context,
	sessionID int64,
	options models.AttemptOptions,
	tasks []*models.Task,
	rules []*models.SLARule,
) (*models.Attempt, error) {
	var attempt *models.Attempt

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return persistence.ErrSessionNotFound
			}

			return fmt.Errorf("failed to lock session: %w", err)
		}

		var (
			running   int
			lastIndex int
		)

		err = tx.QueryRowContext(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE state = 'RUNNING')
			  , COALESCE(MAX(attempt_index), 0)
			FROM attempts
			WHERE session_id = $1
		`, sessionID).Scan(&running, &lastIndex)
		if err != nil {
			return fmt.Errorf("failed to inspect attempts: %w", err)
		}

		if running > 0 {
			return persistence.ErrAttemptConflict
		}

		attempt = &models.Attempt{
			SessionID:        sessionID,
			Index:            lastIndex + 1,
			RetryAttemptName: options.RetryAttemptName,
			State:            models.AttemptStateRunning,
			Params:           options.Params,
			ProjectID:        session.ProjectID,
			ProjectName:      session.ProjectName,
			WorkflowName:     session.WorkflowName,
			SessionTime:      session.SessionTime,
			TimeZone:         session.TimeZone,
			StartedAt:        options.StartedAt.UTC(),
		}

		if err := insertAttempt(ctx, tx, attempt); err != nil {
			return err
		}

		for _, task := range tasks {
			stored := task.Clone()
			stored.AttemptID = attempt.ID

			if err := insertTask(ctx, tx, stored); err != nil {
				return err
			}
		}

		for _, rule := range rules {
			stored := rule.Clone()
			stored.AttemptID = attempt.ID

			if err := insertRule(ctx, tx, stored); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, persistence.NewSessionError("OpenAttempt", sessionID, err)
	}

	return attempt, nil
}

func (r *SessionRepository) AttemptByID(ctx context.Context, id int64) (*models.Attempt, error) {
	attempt, err := scanAttempt(r.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewAttemptError("AttemptByID", id, persistence.ErrAttemptNotFound)
		}

		return nil, storeError(fmt.Errorf("failed to get attempt: %w", err))
	}

	return attempt, nil
}

// AttemptsBySession returns the attempts of a session, oldest first.
func (r *SessionRepository) AttemptsBySession(ctx context.Context, sessionID int64) ([]*models.Attempt, error) {
	return r.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE session_id = $1 ORDER BY id`, sessionID)
}

func (r *SessionRepository) RunningAttempts(ctx context.Context) ([]*models.Attempt, error) {
	return r.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE state = 'RUNNING' ORDER BY id`)
}

func (r *SessionRepository) queryAttempts(ctx context.Context, query string, args ...any) ([]*models.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to query attempts: %w", err))
	}
	defer closeRows(ctx, r.logger, rows)

	attempts := make([]*models.Attempt, 0)

	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}

		attempts = append(attempts, attempt)
	}

	err = rows.Err()
	if err != nil {
		return nil, storeError(fmt.Errorf("error iterating attempts: %w", err))
	}

	return attempts, nil
}

func insertAttempt(ctx context.Context, q querier, attempt *models.Attempt) error {
	params, err := encodeJSON(attempt.Params)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO attempts (
			session_id
		  , attempt_index
		  , retry_attempt_name
		  , state
		  , cancel_requested
		  , params
		  , project_id
		  , project_name
		  , workflow_name
		  , session_time
		  , time_zone
		  , started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	err = q.QueryRowContext(ctx, query,
		attempt.SessionID,
		attempt.Index,
		attempt.RetryAttemptName,
		attempt.State,
		attempt.CancelRequested,
		params,
		attempt.ProjectID,
		attempt.ProjectName,
		attempt.WorkflowName,
		attempt.SessionTime.UTC(),
		attempt.TimeZone,
		attempt.StartedAt.UTC(),
	).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	return nil
}

func updateAttempt(ctx context.Context, q querier, attempt *models.Attempt) error {
	failure, err := encodeJSON(attempt.Error)
	if err != nil {
		return err
	}

	query := `
		UPDATE attempts SET
			state = $2
		  , cancel_requested = $3
		  , finished_at = $4
		  , error = $5
		WHERE id = $1
	`

	_, err = q.ExecContext(ctx, query,
		attempt.ID,
		attempt.State,
		attempt.CancelRequested,
		nullTime(attempt.FinishedAt),
		failure,
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt %d: %w", attempt.ID, err)
	}

	return nil
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		session models.Session
		params  []byte
	)

	err := row.Scan(
		&session.ID,
		&session.ProjectID,
		&session.ProjectName,
		&session.WorkflowName,
		&session.SessionTime,
		&session.TimeZone,
		&params,
		&session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.SessionTime = session.SessionTime.UTC()
	session.CreatedAt = session.CreatedAt.UTC()

	if err := decodeJSON(params, &session.Params); err != nil {
		return nil, err
	}

	return &session, nil
}

func scanAttempt(row scanner) (*models.Attempt, error) {
	var (
		attempt    models.Attempt
		params     []byte
		failure    []byte
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&attempt.ID,
		&attempt.SessionID,
		&attempt.Index,
		&attempt.RetryAttemptName,
		&attempt.State,
		&attempt.CancelRequested,
		&params,
		&attempt.ProjectID,
		&attempt.ProjectName,
		&attempt.WorkflowName,
		&attempt.SessionTime,
		&attempt.TimeZone,
		&attempt.StartedAt,
		&finishedAt,
		&failure,
	)
	if err != nil {
		return nil, err
	}

	attempt.SessionTime = attempt.SessionTime.UTC()
	attempt.StartedAt = attempt.StartedAt.UTC()
	attempt.FinishedAt = timePtr(finishedAt)

	if err := decodeJSON(params, &attempt.Params); err != nil {
		return nil, err
	}

	if err := decodeJSON(failure, &attempt.Error); err != nil {
		return nil, err
	}

	return &attempt, nil
}
