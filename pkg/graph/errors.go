package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/flowkeeper/pkg/models"
)

var (
	ErrDuplicateTask   = errors.New("duplicate task id")
	ErrUnknownUpstream = errors.New("unknown upstream task")
	ErrCycle           = errors.New("dependency cycle")
	ErrEmptyGraph      = errors.New("workflow has no tasks")
	ErrReservedTaskID  = errors.New("task id uses the reserved prefix " + models.ReservedTaskPrefix)

	// stored task orders that no longer match the definition
	ErrUnknownTask       = errors.New("ordered task not in workflow")
	ErrUnorderedUpstream = errors.New("task ordered before upstream task")
)

// GraphError reports a workflow definition that cannot be published.
type GraphError struct {
	Workflow string
	Task     string
	Cycle    []string
	Err      error
}

func (e *GraphError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return fmt.Sprintf("invalid workflow %s: %v through %s", e.Workflow, e.Err, strings.Join(e.Cycle, " -> "))
	case e.Task != "":
		return fmt.Sprintf("invalid workflow %s: task %s: %v", e.Workflow, e.Task, e.Err)
	default:
		return fmt.Sprintf("invalid workflow %s: %v", e.Workflow, e.Err)
	}
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// IsGraphError checks if an error comes from graph validation.
func IsGraphError(err error) bool {
	var graphErr *GraphError

	return errors.As(err, &graphErr)
}
