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

// WorkflowRepository handles published workflow definitions.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

// Save stores a definition, replacing any previous revision with the same project and name.
func (r *WorkflowRepository) Save(ctx context.Context, definition *models.WorkflowDefinition) error {
	publishedAt := definition.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}

	data, err := encodeJSON(definition)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflows (
			project_id
		  , name
		  , revision
		  , definition
		  , published_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, name) DO UPDATE SET
			revision = EXCLUDED.revision
		  , definition = EXCLUDED.definition
		  , published_at = EXCLUDED.published_at
	`

	_, err = r.db.ExecContext(ctx, query,
		definition.ProjectID,
		definition.Name,
		definition.Revision,
		data,
		publishedAt,
	)
	if err != nil {
		return storeError(fmt.Errorf("failed to save workflow: %w", err))
	}

	return nil
}

func (r *WorkflowRepository) Get(ctx context.Context, projectID, name string) (*models.WorkflowDefinition, error) {
	query := `
		SELECT definition
		FROM workflows
		WHERE project_id = $1 AND name = $2
	`

	var data []byte

	err := r.db.QueryRowContext(ctx, query, projectID, name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		return nil, storeError(fmt.Errorf("failed to get workflow: %w", err))
	}

	definition := &models.WorkflowDefinition{}
	if err := decodeJSON(data, definition); err != nil {
		return nil, err
	}

	return definition, nil
}

// List returns the definitions of a project sorted by name. An empty projectID lists all.
func (r *WorkflowRepository) List(ctx context.Context, projectID string) ([]*models.WorkflowDefinition, error) {
	query := `
		SELECT definition
		FROM workflows
		WHERE $1 = '' OR project_id = $1
		ORDER BY project_id, name
	`

	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, storeError(fmt.Errorf("failed to query workflows: %w", err))
	}
	defer closeRows(ctx, r.logger, rows)

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		definition := &models.WorkflowDefinition{}
		if err := decodeJSON(data, definition); err != nil {
			return nil, err
		}

		definitions = append(definitions, definition)
	}

	err = rows.Err()
	if err != nil {
		return nil, storeError(fmt.Errorf("error iterating workflows: %w", err))
	}

	return definitions, nil
}
