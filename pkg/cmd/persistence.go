package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/persistence/file"
	"github.com/dukex/flowkeeper/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence opens the store named by databaseURL: postgres:// and postgresql:// URLs
// open PostgreSQL, file:// URLs and bare paths the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger.With("module", "postgresql"), databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgresql persistence: %w", err)
		}

		return store, nil
	default:
		store, err := file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to open file persistence: %w", err)
		}

		return store, nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")
	if len(parts) < 2 {
		return "file"
	}

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
