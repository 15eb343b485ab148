// Package echo provides an operator that logs a message and exports values downstream.
package echo

import (
	"github.com/dukex/flowkeeper/pkg/protocol"
)

// OperatorFactory creates echo operators.
type OperatorFactory struct{}

// NewOperatorFactory creates a new factory instance.
func NewOperatorFactory() protocol.OperatorFactory {
	return &OperatorFactory{}
}

func (f *OperatorFactory) Create(config map[string]any) (protocol.Operator, error) {
	return NewOperator(config)
}

func (f *OperatorFactory) ID() string {
	return "echo"
}

func (f *OperatorFactory) Name() string {
	return "Echo"
}

func (f *OperatorFactory) Description() string {
	return "Logs a message at the given level and exports static values to downstream tasks"
}

// Schema returns the JSON schema for echo configuration.
func (f *OperatorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports templating with the task request.",
				"examples": []string{
					"Loading {{.params.table}} for {{.session_date}}",
					"Task {{.task.name}} of {{.workflow.name}} started",
				},
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"enum":        []string{"debug", "info", "warn", "error"},
				"default":     "info",
			},
			"export": map[string]any{
				"type":        "object",
				"description": "Values exported to downstream tasks. String values support templating.",
			},
			"fail": map[string]any{
				"type":        "string",
				"description": "When set, the task fails with this message after logging.",
			},
		},
		"required": []string{"message"},
	}
}
