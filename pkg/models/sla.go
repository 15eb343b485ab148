package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SLAKind selects how a rule's deadline is derived.
type SLAKind string

const (
	// SLAKindTime is an absolute time of day in the rule's time zone.
	SLAKindTime SLAKind = "TIME"
	// SLAKindDuration is relative to the attempt start.
	SLAKindDuration SLAKind = "DURATION"
)

// SLAAction is what happens when a deadline passes.
type SLAAction string

const (
	SLAActionAlert SLAAction = "ALERT"
	SLAActionFail  SLAAction = "FAIL"
	// SLAActionTask adds the rule's task to the attempt.
	SLAActionTask SLAAction = "TASK"
)

// SLATaskSpec is the task a TASK rule runs when its deadline passes.
type SLATaskSpec struct {
	OperatorType string         `json:"operator_type"    validate:"required"`
	Config       map[string]any `json:"config,omitempty"`
}

// SLARule is a deadline bound to one attempt, or to one task of it when TaskName is set.
// TriggeredAt is set at most once and never cleared.
type SLARule struct {
	ID              int64        `json:"id"`
	AttemptID       int64        `json:"attempt_id"`
	TaskName        string       `json:"task_name,omitempty"`
	Kind            SLAKind      `json:"kind"`
	TimeOfDay       string       `json:"time_of_day,omitempty"`
	DurationSeconds int64        `json:"duration_seconds,omitempty"`
	TimeZone        string       `json:"time_zone,omitempty"`
	Action          SLAAction    `json:"action"`
	NoRetry         bool         `json:"no_retry,omitempty"`
	Task            *SLATaskSpec `json:"task,omitempty"`
	TriggeredAt     *time.Time   `json:"triggered_at,omitempty"`
}

func (r *SLARule) Clone() *SLARule {
	c := *r
	c.TriggeredAt = cloneTime(r.TriggeredAt)

	if r.Task != nil {
		task := *r.Task
		task.Config = cloneMap(r.Task.Config)
		c.Task = &task
	}

	return &c
}

// ReservedTaskPrefix starts the names of tasks the engine adds to an attempt. Workflow task
// ids cannot use it.
const ReservedTaskPrefix = "^"

// SLATaskName is the name of the task a TASK rule adds to its attempt.
func (r *SLARule) SLATaskName() string {
	return ReservedTaskPrefix + "sla-" + strconv.FormatInt(r.ID, 10)
}

// NewSLATask builds the READY task a fired TASK rule adds to attempt. It inherits the
// attempt params and has no upstream tasks.
func NewSLATask(attempt *Attempt, rule *SLARule, now time.Time) *Task {
	task := &Task{
		AttemptID: attempt.ID,
		Name:      rule.SLATaskName(),
		Params:    cloneMap(attempt.Params),
		State:     TaskStateReady,
		ReadyAt:   TimePtr(now),
	}

	if rule.Task != nil {
		task.OperatorType = rule.Task.OperatorType
		task.Config = cloneMap(rule.Task.Config)
	}

	return task
}

// SLAFiring is what a fired rule leaves in the store. It is written in the transaction that
// sets the rule's TriggeredAt, so a trigger never exists without its alert or task.
type SLAFiring struct {
	// Alert is queued in the notification outbox.
	Alert *Notification
	// Task is added to the attempt if the attempt is still running.
	Task *Task
}

// TimeOfDay is a wall-clock time with second resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts HH:MM:SS or HH:MM.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: time %q must be HH:MM:SS", ErrInvalidSLARule, value)
	}

	limits := []int{23, 59, 59}
	fields := make([]int, 3)

	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > limits[i] {
			return TimeOfDay{}, fmt.Errorf("%w: time %q must be HH:MM:SS", ErrInvalidSLARule, value)
		}

		fields[i] = n
	}

	return TimeOfDay{Hour: fields[0], Minute: fields[1], Second: fields[2]}, nil
}

// CronSpec renders the time of day as a six-field (seconds first) daily cron expression.
func (t TimeOfDay) CronSpec() string {
	return fmt.Sprintf("%d %d %d * * *", t.Second, t.Minute, t.Hour)
}
