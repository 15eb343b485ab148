package statemachine_test

import (
	"testing"
	"time"

	"github.com/dukex/flowkeeper/pkg/graph"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newGraph(t *testing.T, nodes ...*models.TaskNode) *statemachine.Graph {
	t.Helper()

	definition := &models.WorkflowDefinition{ProjectID: "p", Name: "wf", Tasks: nodes}
	tasks, err := graph.Materialize(definition, map[string]any{"env": "test"}, nil, now)
	require.NoError(t, err)

	for i, task := range tasks {
		task.ID = int64(i + 1)
		task.AttemptID = 1
	}

	attempt := &models.Attempt{ID: 1, State: models.AttemptStateRunning, StartedAt: now}

	return statemachine.NewGraph(attempt, tasks)
}

func node(id string, upstream ...models.Dependency) *models.TaskNode {
	return &models.TaskNode{ID: id, OperatorType: "log", Upstream: upstream}
}

func dep(id string) models.Dependency {
	return models.Dependency{TaskID: id}
}

func run(t *testing.T, g *statemachine.Graph, name string, outcome models.Outcome) {
	t.Helper()

	require.NoError(t, g.Claim(name, "worker-1", now.Add(time.Minute), now))
	require.NoError(t, g.Complete(name, outcome, now))
}

func failure(message string) models.Outcome {
	return models.Failed(&models.ErrorInfo{Message: message, Cause: models.CauseOperator})
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, statemachine.CanTransition(models.TaskStateBlocked, models.TaskStateReady))
	assert.True(t, statemachine.CanTransition(models.TaskStateReady, models.TaskStateRunning))
	assert.True(t, statemachine.CanTransition(models.TaskStateRunning, models.TaskStateRetryWaiting))
	assert.True(t, statemachine.CanTransition(models.TaskStateRetryWaiting, models.TaskStateReady))
	assert.False(t, statemachine.CanTransition(models.TaskStateBlocked, models.TaskStateRunning))
	assert.False(t, statemachine.CanTransition(models.TaskStateSuccess, models.TaskStateReady))
	assert.False(t, statemachine.CanTransition(models.TaskStateError, models.TaskStateRetryWaiting))
	assert.False(t, statemachine.CanTransition(models.TaskStateCanceled, models.TaskStateReady))
}

func TestGraph_DependencyOrdering(t *testing.T) {
	t.Parallel()

	g := newGraph(t, node("a"), node("b", dep("a")))

	assert.Equal(t, models.TaskStateReady, g.Task("a").State)
	assert.Equal(t, models.TaskStateBlocked, g.Task("b").State)

	err := g.Claim("b", "worker-1", now.Add(time.Minute), now)
	require.ErrorIs(t, err, statemachine.ErrIllegalTransition)

	run(t, g, "a", models.Succeeded(map[string]any{"rows": 42}))

	b := g.Task("b")
	assert.Equal(t, models.TaskStateReady, b.State)
	assert.Equal(t, 42, b.Params["rows"])
	assert.Equal(t, "test", b.Params["env"])
	assert.False(t, g.Finalize(now))

	run(t, g, "b", models.Succeeded(nil))

	assert.True(t, g.Finalize(now))
	assert.Equal(t, models.AttemptStateSuccess, g.Attempt().State)
	assert.True(t, g.AttemptChanged())
}

func TestGraph_JoinWaitsForAllUpstream(t *testing.T) {
	t.Parallel()

	g := newGraph(t, node("a"), node("b"), node("c", dep("a"), dep("b")))

	run(t, g, "a", models.Succeeded(nil))
	assert.Equal(t, models.TaskStateBlocked, g.Task("c").State)

	run(t, g, "b", models.Succeeded(nil))
	assert.Equal(t, models.TaskStateReady, g.Task("c").State)
}

func TestGraph_RetriesThenFails(t *testing.T) {
	t.Parallel()

	a := node("a")
	a.Retry = models.RetryConfig{Limit: 2, IntervalSeconds: 30}

	g := newGraph(t, a, node("b", dep("a")))

	run(t, g, "a", failure("boom"))

	task := g.Task("a")
	assert.Equal(t, models.TaskStateRetryWaiting, task.State)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.NextRetryAt)
	assert.Equal(t, now.Add(30*time.Second), *task.NextRetryAt)
	assert.Empty(t, task.ClaimOwner)

	assert.Empty(t, g.PromoteDue(now.Add(29*time.Second)))
	require.Error(t, g.Claim("a", "worker-1", now.Add(time.Minute), now))

	promoted := g.PromoteDue(now.Add(30 * time.Second))
	require.Len(t, promoted, 1)
	assert.Equal(t, models.TaskStateReady, task.State)

	run(t, g, "a", failure("boom"))
	assert.Equal(t, models.TaskStateRetryWaiting, task.State)
	g.PromoteDue(now.Add(time.Hour))

	run(t, g, "a", failure("final boom"))
	assert.Equal(t, models.TaskStateError, task.State)
	assert.Equal(t, 2, task.RetryCount)

	b := g.Task("b")
	assert.Equal(t, models.TaskStateError, b.State)
	assert.Equal(t, models.CauseUpstream, b.Error.Cause)

	assert.True(t, g.Finalize(now))
	assert.Equal(t, models.AttemptStateError, g.Attempt().State)
	assert.Equal(t, "final boom", g.Attempt().Error.Message)
}

func TestGraph_FailurePropagatesTransitively(t *testing.T) {
	t.Parallel()

	g := newGraph(t, node("a"), node("b", dep("a")), node("c", dep("b")), node("d"))

	run(t, g, "a", failure("boom"))

	assert.Equal(t, models.TaskStateError, g.Task("b").State)
	assert.Equal(t, models.TaskStateError, g.Task("c").State)
	assert.Equal(t, models.TaskStateReady, g.Task("d").State)
	assert.False(t, g.Finalize(now))

	dirty := make([]string, 0)
	for _, task := range g.Dirty() {
		dirty = append(dirty, task.Name)
	}

	assert.Equal(t, []string{"a", "b", "c"}, dirty)
}

func TestGraph_RunAlwaysAfterFailure(t *testing.T) {
	t.Parallel()

	g := newGraph(t,
		node("a"),
		node("cleanup", models.Dependency{TaskID: "a", RunAlways: true}),
		node("report", dep("a")),
	)

	run(t, g, "a", failure("boom"))

	assert.Equal(t, models.TaskStateReady, g.Task("cleanup").State)
	assert.Equal(t, models.TaskStateError, g.Task("report").State)

	run(t, g, "cleanup", models.Succeeded(nil))

	assert.True(t, g.Finalize(now))
	assert.Equal(t, models.AttemptStateError, g.Attempt().State)
	assert.Equal(t, "boom", g.Attempt().Error.Message)
}

func TestGraph_CancelBlockedAndReadyImmediately(t *testing.T) {
	t.Parallel()

	g := newGraph(t, node("a"), node("b", dep("a")), node("c", dep("b")))

	require.NoError(t, g.Cancel("b", now))
	assert.Equal(t, models.TaskStateCanceled, g.Task("b").State)
	assert.Equal(t, models.TaskStateCanceled, g.Task("c").State)

	require.NoError(t, g.Cancel("a", now))
	assert.Equal(t, models.TaskStateCanceled, g.Task("a").State)

	assert.True(t, g.Finalize(now))
	assert.Equal(t, models.AttemptStateError, g.Attempt().State)
}

func TestGraph_CancelRunningIsCooperative(t *testing.T) {
	t.Parallel()

	g := newGraph(t, node("a"))

	require.NoError(t, g.Claim("a", "worker-1", now.Add(time.Minute), now))
	require.NoError(t, g.Cancel("a", now))

	task := g.Task("a")
	assert.Equal(t, models.TaskStateRunning, task.State)
	assert.True(t, task.CancelRequested)

	require.NoError(t, g.Complete("a", failure("context canceled"), now))
	assert.Equal(t, models.TaskStateCanceled, task.State)
}

func TestGraph_ContinueOnCancel(t *testing.T) {
	t.Parallel()

	g := newGraph(t,
		node("optional"),
		node("main", models.Dependency{TaskID: "optional", ContinueOnCancel: true}),
	)

	require.NoError(t, g.Cancel("optional", now))
	assert.Equal(t, models.TaskStateReady, g.Task("main").State)

	run(t, g, "main", models.Succeeded(nil))

	assert.True(t, g.Finalize(now))
	assert.Equal(t, models.AttemptStateSuccess, g.Attempt().State)
}

func TestGraph_CancelAttemptEndsKilled(t *testing.T) {
	t.Parallel()

	g := newGraph(t,
		node("a"),
		node("b"),
		node("cleanup", models.Dependency{TaskID: "a", RunAlways: true}),
	)

	require.NoError(t, g.Claim("a", "worker-1", now.Add(time.Minute), now))
	require.NoError(t, g.CancelAttempt(now))

	assert.Equal(t, models.TaskStateCanceled, g.Task("b").State)
	assert.Equal(t, models.TaskStateCanceled, g.Task("cleanup").State)
	assert.False(t, g.Finalize(now))

	require.NoError(t, g.Complete("a", models.Succeeded(nil), now))
	assert.Equal(t, models.TaskStateCanceled, g.Task("a").State)

	assert.True(t, g.Finalize(now))
	assert.Equal(t, models.AttemptStateKilled, g.Attempt().State)
}

func TestGraph_SuccessAfterCancelRequestEndsCanceled(t *testing.T) {
	t.Parallel()

	g := newGraph(t, node("a"), node("b", dep("a")))

	require.NoError(t, g.Claim("a", "worker-1", now.Add(time.Minute), now))
	require.NoError(t, g.Cancel("a", now))
	require.NoError(t, g.Complete("a", models.Succeeded(map[string]any{"rows": 10}), now))

	a := g.Task("a")
	assert.Equal(t, models.TaskStateCanceled, a.State)
	assert.Empty(t, a.Exported)
	require.NotNil(t, a.Error)
	assert.Equal(t, models.CauseCancel, a.Error.Cause)
	assert.Equal(t, models.TaskStateCanceled, g.Task("b").State)

	assert.True(t, g.Finalize(now))
	assert.Equal(t, models.AttemptStateError, g.Attempt().State)
}

func TestGraph_ReleaseLease(t *testing.T) {
	t.Parallel()

	g := newGraph(t, node("a"), node("b"))

	require.NoError(t, g.Claim("a", "worker-1", now.Add(time.Minute), now))
	require.NoError(t, g.ReleaseLease("a", now.Add(2*time.Minute)))

	a := g.Task("a")
	assert.Equal(t, models.TaskStateReady, a.State)
	assert.Empty(t, a.ClaimOwner)
	assert.Nil(t, a.LeaseExpiresAt)

	require.NoError(t, g.Claim("b", "worker-1", now.Add(time.Minute), now))
	require.NoError(t, g.Cancel("b", now))
	require.NoError(t, g.ReleaseLease("b", now.Add(2*time.Minute)))
	assert.Equal(t, models.TaskStateCanceled, g.Task("b").State)
}

func TestGraph_ForceFail(t *testing.T) {
	t.Parallel()

	a := node("a")
	a.Retry = models.RetryConfig{Limit: 1}

	g := newGraph(t, a, node("b", dep("a")))
	require.NoError(t, g.Claim("a", "worker-1", now.Add(time.Minute), now))

	info := &models.ErrorInfo{Message: "deadline passed", Cause: models.CauseSLA}
	require.NoError(t, g.ForceFail("a", info, true, now))

	task := g.Task("a")
	assert.Equal(t, models.TaskStateRetryWaiting, task.State)
	assert.Empty(t, task.ClaimOwner)
	assert.Equal(t, models.CauseSLA, task.Error.Cause)

	require.NoError(t, g.ForceFail("b", &models.ErrorInfo{Message: "deadline passed", Cause: models.CauseSLA}, false, now))
	assert.Equal(t, models.TaskStateError, g.Task("b").State)

	require.NoError(t, g.ForceFail("a", &models.ErrorInfo{Message: "deadline passed", Cause: models.CauseSLA}, true, now))
	assert.Equal(t, models.TaskStateError, task.State)

	assert.True(t, g.Finalize(now))
	assert.Equal(t, models.AttemptStateError, g.Attempt().State)
	assert.Equal(t, models.CauseSLA, g.Attempt().Error.Cause)
}

func TestGraph_CompleteRequiresRunning(t *testing.T) {
	t.Parallel()

	g := newGraph(t, node("a"))

	err := g.Complete("a", models.Succeeded(nil), now)
	require.ErrorIs(t, err, statemachine.ErrIllegalTransition)

	err = g.Complete("missing", models.Succeeded(nil), now)
	require.ErrorIs(t, err, statemachine.ErrUnknownTask)
}
