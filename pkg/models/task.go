package models

import (
	"time"
)

// TaskState is the lifecycle state of a materialized task.
type TaskState string

const (
	TaskStateBlocked      TaskState = "BLOCKED"
	TaskStateReady        TaskState = "READY"
	TaskStateRunning      TaskState = "RUNNING"
	TaskStateSuccess      TaskState = "SUCCESS"
	TaskStateError        TaskState = "ERROR"
	TaskStateRetryWaiting TaskState = "RETRY_WAITING"
	TaskStateCanceled     TaskState = "CANCELED"
)

// IsTerminal reports whether no further transition can leave the state.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSuccess || s == TaskStateError || s == TaskStateCanceled
}

// ErrorCause classifies why a task ended in error.
type ErrorCause string

const (
	CauseOperator ErrorCause = "operator"
	CauseSLA      ErrorCause = "sla"
	CauseUpstream ErrorCause = "upstream"
	CauseCancel   ErrorCause = "cancel"
)

// ErrorInfo describes a task or attempt failure.
type ErrorInfo struct {
	Message string     `json:"message"`
	Cause   ErrorCause `json:"cause"`
	Task    string     `json:"task,omitempty"`
	At      time.Time  `json:"at"`
}

// Task is one node of a workflow materialized for a specific attempt.
type Task struct {
	ID              int64          `json:"id"`
	AttemptID       int64          `json:"attempt_id"`
	Name            string         `json:"name"`
	OperatorType    string         `json:"operator_type"`
	Config          map[string]any `json:"config,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	Upstream        []Dependency   `json:"upstream,omitempty"`
	State           TaskState      `json:"state"`
	RetryCount      int            `json:"retry_count"`
	Retry           RetryConfig    `json:"retry"`
	NextRetryAt     *time.Time     `json:"next_retry_at,omitempty"`
	Exported        map[string]any `json:"exported,omitempty"`
	Error           *ErrorInfo     `json:"error,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	ClaimOwner      string         `json:"claim_owner,omitempty"`
	LeaseExpiresAt  *time.Time     `json:"lease_expires_at,omitempty"`
	Carried         bool           `json:"carried,omitempty"` // completed by a previous attempt
	ReadyAt         *time.Time     `json:"ready_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// MergedConfig overlays the static task config on top of the inherited params.
func (t *Task) MergedConfig() (map[string]any, error) {
	return MergeParams(t.Params, t.Config)
}

// IsClaimedBy reports whether owner holds a live claim at now.
func (t *Task) IsClaimedBy(owner string, now time.Time) bool {
	return t.State == TaskStateRunning &&
		t.ClaimOwner == owner &&
		t.LeaseExpiresAt != nil &&
		t.LeaseExpiresAt.After(now)
}

// ClearClaim drops claim ownership and lease.
func (t *Task) ClearClaim() {
	t.ClaimOwner = ""
	t.LeaseExpiresAt = nil
}

// Clone returns a copy that shares no pointer fields with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Config = cloneMap(t.Config)
	c.Params = cloneMap(t.Params)
	c.Exported = cloneMap(t.Exported)
	c.Upstream = append([]Dependency(nil), t.Upstream...)
	c.NextRetryAt = cloneTime(t.NextRetryAt)
	c.LeaseExpiresAt = cloneTime(t.LeaseExpiresAt)
	c.ReadyAt = cloneTime(t.ReadyAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.FinishedAt = cloneTime(t.FinishedAt)

	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}

	return &c
}

// OutcomeStatus is the result an operator reported for one execution.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	OutcomeError   OutcomeStatus = "ERROR"
)

// Outcome is what the dispatcher records when an execution finishes.
type Outcome struct {
	Status   OutcomeStatus  `json:"status"`
	Exported map[string]any `json:"exported,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`
}

func Succeeded(exported map[string]any) Outcome {
	return Outcome{Status: OutcomeSuccess, Exported: exported}
}

func Failed(info *ErrorInfo) Outcome {
	return Outcome{Status: OutcomeError, Error: info}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}

	return c
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
