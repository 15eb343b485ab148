// Package events defines the lifecycle events the engine publishes.
package events

import (
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic all lifecycle events are published to.
const Topic = "flowkeeper.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	WorkflowPublishedEvent EventType = "workflow.published"
	SessionCreatedEvent    EventType = "session.created"

	AttemptStartedEvent  EventType = "attempt.started"
	AttemptFinishedEvent EventType = "attempt.finished"

	TaskStartedEvent  EventType = "task.started"
	TaskFinishedEvent EventType = "task.finished"

	SLATriggeredEvent EventType = "sla.triggered"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	ProjectID    string         `json:"project_id"`
	WorkflowName string         `json:"workflow_name"`
	AttemptID    int64          `json:"attempt_id,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a new event of eventType for the given workflow.
func NewBaseEvent(eventType EventType, projectID, workflowName string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		ProjectID:    projectID,
		WorkflowName: workflowName,
	}
}

// NewAttemptEvent stamps a new event of eventType about attempt.
func NewAttemptEvent(eventType EventType, attempt *models.Attempt) BaseEvent {
	base := NewBaseEvent(eventType, attempt.ProjectID, attempt.WorkflowName)
	base.AttemptID = attempt.ID

	return base
}

type WorkflowPublished struct {
	BaseEvent

	Revision  string `json:"revision,omitempty"`
	TaskCount int    `json:"task_count"`
	Scheduled bool   `json:"scheduled"`
}

func (e WorkflowPublished) GetType() EventType {
	return WorkflowPublishedEvent
}

type SessionCreated struct {
	BaseEvent

	SessionID   int64     `json:"session_id"`
	SessionTime time.Time `json:"session_time"`
	Scheduled   bool      `json:"scheduled"`
}

func (e SessionCreated) GetType() EventType {
	return SessionCreatedEvent
}

type AttemptStarted struct {
	BaseEvent

	SessionID        int64  `json:"session_id"`
	Index            int    `json:"index"`
	RetryAttemptName string `json:"retry_attempt_name,omitempty"`
}

func (e AttemptStarted) GetType() EventType {
	return AttemptStartedEvent
}

type AttemptFinished struct {
	BaseEvent

	SessionID int64               `json:"session_id"`
	State     models.AttemptState `json:"state"`
	Error     *models.ErrorInfo   `json:"error,omitempty"`
	Duration  time.Duration       `json:"duration"`
}

func (e AttemptFinished) GetType() EventType {
	return AttemptFinishedEvent
}

type TaskStarted struct {
	BaseEvent

	TaskID     int64  `json:"task_id"`
	TaskName   string `json:"task_name"`
	RetryCount int    `json:"retry_count"`
}

func (e TaskStarted) GetType() EventType {
	return TaskStartedEvent
}

type TaskFinished struct {
	BaseEvent

	TaskID     int64             `json:"task_id"`
	TaskName   string            `json:"task_name"`
	State      models.TaskState  `json:"state"`
	Error      *models.ErrorInfo `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

func (e TaskFinished) GetType() EventType {
	return TaskFinishedEvent
}

type SLATriggered struct {
	BaseEvent

	RuleID   int64            `json:"rule_id"`
	TaskName string           `json:"task_name,omitempty"`
	Kind     models.SLAKind   `json:"kind"`
	Action   models.SLAAction `json:"action"`
	Deadline time.Time        `json:"deadline"`
}

func (e SLATriggered) GetType() EventType {
	return SLATriggeredEvent
}
