package models

import "time"

// Session is one logical execution instance of a workflow for a session time.
// (ProjectID, WorkflowName, SessionTime) identifies it.
type Session struct {
	ID           int64          `json:"id"`
	ProjectID    string         `json:"project_id"    validate:"required"`
	ProjectName  string         `json:"project_name"`
	WorkflowName string         `json:"workflow_name" validate:"required"`
	SessionTime  time.Time      `json:"session_time"  validate:"required"`
	TimeZone     string         `json:"time_zone"`
	Params       map[string]any `json:"params,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SessionKey is the uniqueness key of a session.
type SessionKey struct {
	ProjectID    string
	WorkflowName string
	SessionTime  time.Time
}

func (k SessionKey) Equal(other SessionKey) bool {
	return k.ProjectID == other.ProjectID &&
		k.WorkflowName == other.WorkflowName &&
		k.SessionTime.Equal(other.SessionTime)
}

func (s *Session) Key() SessionKey {
	return SessionKey{
		ProjectID:    s.ProjectID,
		WorkflowName: s.WorkflowName,
		SessionTime:  s.SessionTime.UTC(),
	}
}

// AttemptState is the lifecycle state of an attempt.
type AttemptState string

const (
	AttemptStateRunning AttemptState = "RUNNING"
	AttemptStateSuccess AttemptState = "SUCCESS"
	AttemptStateError   AttemptState = "ERROR"
	AttemptStateKilled  AttemptState = "KILLED"
)

func (s AttemptState) IsTerminal() bool {
	return s != AttemptStateRunning
}

// Attempt is one execution try of a session. Session identity fields are copied at open time
// so the monitor and notifier never need to join back to the session.
type Attempt struct {
	ID               int64          `json:"id"`
	SessionID        int64          `json:"session_id"`
	Index            int            `json:"index"`
	RetryAttemptName string         `json:"retry_attempt_name,omitempty"`
	State            AttemptState   `json:"state"`
	CancelRequested  bool           `json:"cancel_requested"`
	Params           map[string]any `json:"params,omitempty"`
	ProjectID        string         `json:"project_id"`
	ProjectName      string         `json:"project_name"`
	WorkflowName     string         `json:"workflow_name"`
	SessionTime      time.Time      `json:"session_time"`
	TimeZone         string         `json:"time_zone"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Error            *ErrorInfo     `json:"error,omitempty"`
}

func (a *Attempt) Clone() *Attempt {
	c := *a
	c.Params = cloneMap(a.Params)
	c.FinishedAt = cloneTime(a.FinishedAt)

	if a.Error != nil {
		e := *a.Error
		c.Error = &e
	}

	return &c
}

// AttemptOptions carries what opening a new attempt needs besides the session.
type AttemptOptions struct {
	RetryAttemptName string
	Params           map[string]any
	StartedAt        time.Time
}
