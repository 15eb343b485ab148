// Package postgresql provides the PostgreSQL persistence implementation.
//
// Every graph mutation locks the attempt row and then its task rows, runs the state
// machine in memory and writes the changed rows back in the same transaction. Claims lock
// only task rows with SKIP LOCKED, so concurrent dispatchers never block on each other.
package postgresql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/persistence/sqlbase"
	"github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	workflowRepo *WorkflowRepository
	sessionRepo  *SessionRepository
	taskRepo     *TaskRepository
	slaRepo      *SLARepository
	scheduleRepo *ScheduleRepository
	outboxRepo   *NotificationRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to ping database: %w", err))
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:           database,
		logger:       logger,
		workflowRepo: NewWorkflowRepository(database, logger),
		sessionRepo:  NewSessionRepository(database, logger),
		taskRepo:     NewTaskRepository(database, logger),
		slaRepo:      NewSLARepository(database, logger),
		scheduleRepo: NewScheduleRepository(database, logger),
		outboxRepo:   NewNotificationRepository(database, logger),
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return persistence.Unavailable(fmt.Errorf("failed to ping database: %w", err))
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) SessionRepository() persistence.SessionRepository {
	return p.sessionRepo
}

func (p *Persistence) TaskRepository() persistence.TaskRepository {
	return p.taskRepo
}

func (p *Persistence) SLARepository() persistence.SLARepository {
	return p.slaRepo
}

func (p *Persistence) ScheduleRepository() persistence.ScheduleRepository {
	return p.scheduleRepo
}

func (p *Persistence) NotificationRepository() persistence.NotificationRepository {
	return p.outboxRepo
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(fmt.Errorf("failed to begin transaction: %w", err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return storeError(err)
	}

	if err := tx.Commit(); err != nil {
		return storeError(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

// storeError classifies driver errors. Connection and serialization failures become
// ErrStoreUnavailable, unique violations become ErrAttemptConflict.
func storeError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return persistence.Unavailable(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %w", persistence.ErrAttemptConflict, err)
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return persistence.Unavailable(err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return persistence.Unavailable(err)
		}

		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return persistence.Unavailable(err)
	}

	return err
}

func encodeJSON(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column: %w", err)
	}

	return data, nil
}

// decodeJSON leaves target untouched for NULL columns.
func decodeJSON(data []byte, target any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}

	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	utc := t.Time.UTC()

	return &utc
}
