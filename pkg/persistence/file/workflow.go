package file

import (
	"context"
	"sort"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
)

// WorkflowRepository handles published workflow definitions.
type WorkflowRepository struct {
	store *Persistence
}

func workflowKey(projectID, name string) string {
	return projectID + "/" + name
}

// Save stores a definition, replacing any previous revision with the same project and name.
func (wr *WorkflowRepository) Save(_ context.Context, definition *models.WorkflowDefinition) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	copied := *definition
	wr.store.state.Workflows[workflowKey(definition.ProjectID, definition.Name)] = &copied

	return wr.store.commit()
}

func (wr *WorkflowRepository) Get(_ context.Context, projectID, name string) (*models.WorkflowDefinition, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	definition, exists := wr.store.state.Workflows[workflowKey(projectID, name)]
	if !exists {
		return nil, persistence.ErrWorkflowNotFound
	}

	copied := *definition

	return &copied, nil
}

// List returns the definitions of a project sorted by name.
func (wr *WorkflowRepository) List(_ context.Context, projectID string) ([]*models.WorkflowDefinition, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	definitions := make([]*models.WorkflowDefinition, 0)

	for _, definition := range wr.store.state.Workflows {
		if projectID != "" && definition.ProjectID != projectID {
			continue
		}

		copied := *definition
		definitions = append(definitions, &copied)
	}

	sort.Slice(definitions, func(i, j int) bool {
		if definitions[i].ProjectID != definitions[j].ProjectID {
			return definitions[i].ProjectID < definitions[j].ProjectID
		}

		return definitions[i].Name < definitions[j].Name
	})

	return definitions, nil
}
