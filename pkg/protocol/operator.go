// Package protocol defines the contract between the dispatcher and pluggable operators.
package protocol

import (
	"context"
	"log/slog"
	"time"
)

// Request is everything an operator sees about the task it runs.
type Request struct {
	TaskID       int64
	TaskName     string
	OperatorType string
	RetryCount   int

	AttemptID    int64
	SessionID    int64
	SessionTime  time.Time
	TimeZone     string
	ProjectID    string
	ProjectName  string
	WorkflowName string

	// Params are inherited from the attempt and upstream exports.
	Params map[string]any
	// Config is the task config merged over Params.
	Config map[string]any
}

// TemplateData exposes the request to config templates as
// {{.params.x}}, {{.session_time}}, {{.task.name}} and {{.workflow.name}}.
func (r *Request) TemplateData() map[string]any {
	return map[string]any{
		"params":       r.Params,
		"session_time": r.SessionTime.Format(time.RFC3339),
		"session_date": r.SessionTime.Format(time.DateOnly),
		"task": map[string]any{
			"id":          r.TaskID,
			"name":        r.TaskName,
			"retry_count": r.RetryCount,
		},
		"attempt": map[string]any{
			"id":         r.AttemptID,
			"session_id": r.SessionID,
		},
		"workflow": map[string]any{
			"name":         r.WorkflowName,
			"project_id":   r.ProjectID,
			"project_name": r.ProjectName,
			"time_zone":    r.TimeZone,
		},
	}
}

// Operator executes one task. The returned map is exported to downstream tasks.
// Cancellation of ctx is the cooperative cancel signal; operators should return promptly.
type Operator interface {
	Execute(ctx context.Context, request *Request, logger *slog.Logger) (map[string]any, error)
}

// OperatorFactory creates operator instances and provides metadata about the operator type.
type OperatorFactory interface {
	// Create creates a new operator instance with the given configuration
	Create(config map[string]any) (Operator, error)

	// ID returns the operator type tag tasks refer to
	ID() string

	// Name returns the human-readable name for this operator type
	Name() string

	// Description returns a description of what this operator does
	Description() string

	// Schema returns the JSON schema for configuring this operator
	Schema() map[string]any
}
