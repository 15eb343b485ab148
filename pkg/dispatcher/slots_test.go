package dispatcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/flowkeeper/pkg/graph"
	"github.com/dukex/flowkeeper/pkg/log"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence/file"
	"github.com/dukex/flowkeeper/pkg/protocol"
	"github.com/dukex/flowkeeper/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type blockingOperator struct {
	started chan string
	release chan struct{}
}

func (o *blockingOperator) Execute(ctx context.Context, request *protocol.Request, _ *slog.Logger) (map[string]any, error) {
	o.started <- request.TaskName

	select {
	case <-o.release:
	case <-ctx.Done():
	}

	return nil, nil
}

type blockingFactory struct{ operator *blockingOperator }

func (f blockingFactory) Create(map[string]any) (protocol.Operator, error) { return f.operator, nil }
func (f blockingFactory) ID() string                                       { return "block" }
func (f blockingFactory) Name() string                                     { return "block" }
func (f blockingFactory) Description() string                              { return "blocks until released" }
func (f blockingFactory) Schema() map[string]any                           { return nil }

func TestClaimAndSubmit_SlotFreedWithTracking(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	definition := &models.WorkflowDefinition{
		ProjectID: "p1",
		Name:      "pair",
		Tasks: []*models.TaskNode{
			{ID: "first", OperatorType: "block"},
			{ID: "second", OperatorType: "block"},
		},
	}

	now := time.Now().UTC()

	session, _, err := store.SessionRepository().CreateSession(ctx, &models.Session{
		ProjectID:    "p1",
		WorkflowName: "pair",
		SessionTime:  now.Truncate(time.Hour),
	})
	require.NoError(t, err)

	tasks, err := graph.Materialize(definition, nil, nil, now)
	require.NoError(t, err)

	_, err = store.SessionRepository().OpenAttempt(ctx, session.ID, models.AttemptOptions{StartedAt: now}, tasks, nil)
	require.NoError(t, err)

	operator := &blockingOperator{started: make(chan string, 2), release: make(chan struct{})}
	reg := registry.NewRegistry(log.Discard())
	reg.Register(blockingFactory{operator: operator})

	config := DefaultConfig()
	config.Workers = 1
	d := New(config, store, reg, log.Discard())

	pool := &errgroup.Group{}

	require.NoError(t, d.claimAndSubmit(ctx, pool))
	first := <-operator.started
	assert.Equal(t, 1, d.inflightCount())

	// no free worker: nothing is claimed and the call returns at once
	require.NoError(t, d.claimAndSubmit(ctx, pool))
	assert.Equal(t, 1, d.inflightCount())

	operator.release <- struct{}{}

	require.Eventually(t, func() bool { return d.inflightCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	submitted := make(chan error, 1)
	go func() { submitted <- d.claimAndSubmit(ctx, pool) }()

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("claim blocked on a freed worker slot")
	}

	second := <-operator.started
	assert.NotEqual(t, first, second)

	close(operator.release)
	require.NoError(t, pool.Wait())
}
