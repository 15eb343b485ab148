// Package httpcall provides an operator that performs an HTTP request.
package httpcall

import (
	"github.com/dukex/flowkeeper/pkg/protocol"
)

// OperatorFactory creates HTTP call operators.
type OperatorFactory struct{}

// NewOperatorFactory creates a new factory instance.
func NewOperatorFactory() protocol.OperatorFactory {
	return &OperatorFactory{}
}

func (f *OperatorFactory) Create(config map[string]any) (protocol.Operator, error) {
	return NewOperator(config)
}

func (f *OperatorFactory) ID() string {
	return "http_call"
}

func (f *OperatorFactory) Name() string {
	return "HTTP Call"
}

func (f *OperatorFactory) Description() string {
	return "Performs an HTTP request and exports the status code and response body"
}

// Schema returns the JSON schema for HTTP call configuration.
func (f *OperatorFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Request URL. Supports templating with the task request.",
				"examples":    []string{"https://api.example.com/partitions/{{.session_date}}"},
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
				"default": "GET",
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body. Supports templating.",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Request timeout in seconds",
				"default":     30,
				"minimum":     1,
			},
		},
		"required": []string{"url"},
	}
}
