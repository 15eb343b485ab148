// Package graph validates workflow task graphs and materializes them into attempt tasks.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/heimdalr/dag"
)

// Graph is a validated workflow task graph. Edges point from an upstream task to the task
// that declares it.
type Graph struct {
	definition *models.WorkflowDefinition
	dag        *dag.DAG
	index      map[string]int
}

// New builds the graph of a definition. Duplicate ids, unknown upstream tasks and cycles are
// rejected with a GraphError.
func New(definition *models.WorkflowDefinition) (*Graph, error) {
	if len(definition.Tasks) == 0 {
		return nil, &GraphError{Workflow: definition.Name, Err: ErrEmptyGraph}
	}

	g := &Graph{
		definition: definition,
		dag:        dag.NewDAG(),
		index:      make(map[string]int, len(definition.Tasks)),
	}

	for i, node := range definition.Tasks {
		if _, exists := g.index[node.ID]; exists {
			return nil, &GraphError{Workflow: definition.Name, Task: node.ID, Err: ErrDuplicateTask}
		}

		if strings.HasPrefix(node.ID, models.ReservedTaskPrefix) {
			return nil, &GraphError{Workflow: definition.Name, Task: node.ID, Err: ErrReservedTaskID}
		}

		if err := g.dag.AddVertexByID(node.ID, node); err != nil {
			return nil, &GraphError{Workflow: definition.Name, Task: node.ID, Err: err}
		}

		g.index[node.ID] = i
	}

	for _, node := range definition.Tasks {
		for _, dependency := range node.Upstream {
			if err := g.addEdge(dependency.TaskID, node.ID); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

func (g *Graph) addEdge(upstream, downstream string) error {
	if _, exists := g.index[upstream]; !exists {
		return &GraphError{
			Workflow: g.definition.Name,
			Task:     downstream,
			Err:      fmt.Errorf("%w %q", ErrUnknownUpstream, upstream),
		}
	}

	if upstream == downstream {
		return &GraphError{Workflow: g.definition.Name, Cycle: []string{downstream, downstream}, Err: ErrCycle}
	}

	err := g.dag.AddEdge(upstream, downstream)

	var (
		loop      dag.EdgeLoopError
		duplicate dag.EdgeDuplicateError
	)

	switch {
	case err == nil, errors.As(err, &duplicate):
		return nil
	case errors.As(err, &loop):
		// downstream already reaches upstream, so the new edge closes the loop
		cycle := append([]string{upstream}, g.path(downstream, upstream)...)

		return &GraphError{Workflow: g.definition.Name, Cycle: cycle, Err: ErrCycle}
	default:
		return &GraphError{
			Workflow: g.definition.Name,
			Task:     downstream,
			Err:      fmt.Errorf("failed to add edge from %s: %w", upstream, err),
		}
	}
}

// Order returns task ids so that every task follows all of its upstream tasks. Ties keep
// declaration order.
func (g *Graph) Order() []string {
	pending := make(map[string]int, len(g.index))

	for id := range g.index {
		parents, err := g.dag.GetParents(id)
		if err == nil {
			pending[id] = len(parents)
		}
	}

	ready := g.Roots()
	order := make([]string, 0, len(g.index))

	for len(ready) > 0 {
		slices.SortFunc(ready, g.byDeclaration)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, child := range g.children(current) {
			pending[child]--
			if pending[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	return order
}

// Roots returns the ids of tasks without upstream edges, in declaration order.
func (g *Graph) Roots() []string {
	return g.sorted(g.dag.GetRoots())
}

// path walks downstream edges from one task to another.
func (g *Graph) path(from, to string) []string {
	visited := make(map[string]bool)

	var walk func(id string) []string

	walk = func(id string) []string {
		if id == to {
			return []string{id}
		}

		if visited[id] {
			return nil
		}

		visited[id] = true

		for _, child := range g.children(id) {
			if rest := walk(child); rest != nil {
				return append([]string{id}, rest...)
			}
		}

		return nil
	}

	return walk(from)
}

func (g *Graph) children(id string) []string {
	children, err := g.dag.GetChildren(id)
	if err != nil {
		return nil
	}

	return g.sorted(children)
}

func (g *Graph) sorted(vertices map[string]interface{}) []string {
	ids := make([]string, 0, len(vertices))
	for id := range vertices {
		ids = append(ids, id)
	}

	slices.SortFunc(ids, g.byDeclaration)

	return ids
}

func (g *Graph) byDeclaration(a, b string) int {
	return g.index[a] - g.index[b]
}

// Validate checks ids, edges and acyclicity. It runs once, when a workflow is published.
func Validate(definition *models.WorkflowDefinition) error {
	_, err := New(definition)

	return err
}

// TopologicalOrder validates a definition and returns its task order.
func TopologicalOrder(definition *models.WorkflowDefinition) ([]string, error) {
	g, err := New(definition)
	if err != nil {
		return nil, err
	}

	return g.Order(), nil
}

// Roots validates a definition and returns the ids of its tasks without upstream edges.
func Roots(definition *models.WorkflowDefinition) ([]string, error) {
	g, err := New(definition)
	if err != nil {
		return nil, err
	}

	return g.Roots(), nil
}

// orderOf returns the task order stored at publish. Definitions stored without one are
// ordered, and validated, here.
func orderOf(definition *models.WorkflowDefinition) ([]string, error) {
	if len(definition.Tasks) > 0 && len(definition.TaskOrder) == len(definition.Tasks) {
		return definition.TaskOrder, nil
	}

	return TopologicalOrder(definition)
}

// Materialize creates the tasks of a new attempt in the task order stored at publish.
//
// Tasks named in previousDone that succeeded there are carried over as SUCCESS with their
// params and exports. Every other task is READY when all of its upstream edges are already
// satisfied, otherwise BLOCKED. In a fresh run that makes exactly the roots READY.
func Materialize(
	definition *models.WorkflowDefinition,
	attemptParams map[string]any,
	previousDone map[string]*models.Task,
	now time.Time,
) ([]*models.Task, error) {
	order, err := orderOf(definition)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*models.Task, len(order))
	tasks := make([]*models.Task, 0, len(order))

	for _, name := range order {
		node := definition.Task(name)
		if node == nil {
			return nil, &GraphError{Workflow: definition.Name, Task: name, Err: ErrUnknownTask}
		}

		task := &models.Task{
			Name:         node.ID,
			OperatorType: node.OperatorType,
			Config:       node.Config,
			Upstream:     append([]models.Dependency(nil), node.Upstream...),
			Retry:        node.Retry,
			State:        models.TaskStateBlocked,
		}

		if previous, carried := previousDone[name]; carried && previous.State == models.TaskStateSuccess {
			task.State = models.TaskStateSuccess
			task.Carried = true
			task.Params = previous.Params
			task.Exported = previous.Exported
			task.FinishedAt = models.TimePtr(now)
		} else if err := promoteIfReady(task, byName, attemptParams, now); err != nil {
			return nil, err
		}

		byName[name] = task
		tasks = append(tasks, task)
	}

	return tasks, nil
}

func promoteIfReady(task *models.Task, byName map[string]*models.Task, attemptParams map[string]any, now time.Time) error {
	upstream := make([]*models.Task, 0, len(task.Upstream))

	for _, dependency := range task.Upstream {
		parent, ordered := byName[dependency.TaskID]
		if !ordered {
			return &GraphError{Task: task.Name, Err: fmt.Errorf("%w %q", ErrUnorderedUpstream, dependency.TaskID)}
		}

		if !dependency.SatisfiedBy(parent.State) {
			return nil
		}

		upstream = append(upstream, parent)
	}

	params, err := models.MergeParams(attemptParams)
	if err != nil {
		return err
	}

	if len(upstream) > 0 {
		params, err = models.InheritParams(upstream)
		if err != nil {
			return err
		}
	}

	task.State = models.TaskStateReady
	task.Params = params
	task.ReadyAt = models.TimePtr(now)

	return nil
}
