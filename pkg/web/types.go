// Package web provides HTTP request and response types for the control plane API.
package web

import (
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/protocol"
)

// StartSessionRequest represents the request body for starting a session of a workflow.
type StartSessionRequest struct {
	SessionTime *time.Time     `json:"session_time,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// RetryAttemptRequest represents the request body for retrying a finished attempt.
type RetryAttemptRequest struct {
	Name         string         `json:"name,omitempty"   validate:"omitempty,max=255"`
	ResumeFailed bool           `json:"resume_failed"`
	Params       map[string]any `json:"params,omitempty"`
}

// SessionResponse is returned when a session is started.
type SessionResponse struct {
	Session *models.Session `json:"session"`
	Attempt *models.Attempt `json:"attempt"`
}

// AttemptResponse is an attempt together with its tasks.
type AttemptResponse struct {
	Attempt *models.Attempt `json:"attempt"`
	Tasks   []*models.Task  `json:"tasks"`
}

// OperatorResponse describes a registered operator type.
type OperatorResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// TransformOperatorResponse describes a factory for the operator listing.
func TransformOperatorResponse(factory protocol.OperatorFactory) OperatorResponse {
	return OperatorResponse{
		ID:          factory.ID(),
		Name:        factory.Name(),
		Description: factory.Description(),
		Schema:      factory.Schema(),
	}
}
