// Package sqlbase provides the schema migration runner shared by SQL stores.
package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
)

// migrationLockKey is the advisory lock every process takes before migrating, so the API,
// dispatchers and monitors can start together against an empty database.
const migrationLockKey int64 = 7_402_117

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MigrationManager applies numbered schema migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

func NewMigrationManager(logger *slog.Logger, db *sql.DB, migrations map[int]string) *MigrationManager {
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: migrations,
	}
}

// LatestVersion is the highest version among the registered migrations.
func (m *MigrationManager) LatestVersion() int {
	versions := m.versions()
	if len(versions) == 0 {
		return 0
	}

	return versions[len(versions)-1]
}

func (m *MigrationManager) versions() []int {
	versions := make([]int, 0, len(m.migrations))
	for version := range m.migrations {
		versions = append(versions, version)
	}

	slices.Sort(versions)

	return versions
}

// RunMigrations brings the schema to LatestVersion while holding the migration lock.
func (m *MigrationManager) RunMigrations(ctx context.Context) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration connection: %w", err)
	}

	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}

	defer func() {
		_, err := conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
		if err != nil {
			m.logger.WarnContext(ctx, "Failed to release migration lock", "error", err)
		}
	}()

	if err := createMigrationsTable(ctx, conn); err != nil {
		return err
	}

	// read under the lock, another process may have migrated while we waited
	currentVersion, err := currentVersion(ctx, conn)
	if err != nil {
		return err
	}

	latest := m.LatestVersion()

	if currentVersion >= latest {
		m.logger.DebugContext(ctx, "Schema is up to date", "version", currentVersion)

		return nil
	}

	m.logger.InfoContext(ctx, "Migrating schema", "from", currentVersion, "to", latest)

	if err := m.applyMigrations(ctx, conn, currentVersion); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	m.logger.InfoContext(ctx, "Database migrations completed", "version", latest)

	return nil
}

func createMigrationsTable(ctx context.Context, q execQuerier) error {
	_, err := q.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

// CurrentVersion returns the highest applied schema version.
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, m.db)
}

func currentVersion(ctx context.Context, q execQuerier) (int, error) {
	var version int

	err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}

	return version, nil
}

// applyMigrations applies every migration above fromVersion, each in its own transaction.
func (m *MigrationManager) applyMigrations(ctx context.Context, conn *sql.Conn, fromVersion int) error {
	for _, version := range m.versions() {
		if version <= fromVersion {
			continue
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, m.migrations[version]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}

		m.logger.InfoContext(ctx, "Migration applied", "version", version)
	}

	return nil
}
