// Package models defines the core domain models of the workflow execution engine.
package models

import (
	"errors"
	"fmt"
	"time"
)

// IntervalType selects how the delay between task retries grows.
type IntervalType string

const (
	IntervalConstant    IntervalType = "constant"
	IntervalExponential IntervalType = "exponential"
)

// WorkflowDefinition is a published, immutable task graph.
type WorkflowDefinition struct {
	ProjectID    string         `json:"project_id"         validate:"required"`
	ProjectName  string         `json:"project_name"`
	Name         string         `json:"name"               validate:"required,min=1"`
	Revision     string         `json:"revision"`
	TimeZone     string         `json:"time_zone"          validate:"omitempty,timezone"`
	Schedule     string         `json:"schedule,omitempty"` // 5-field cron expression, optional
	Params       map[string]any `json:"params,omitempty"`
	Tasks        []*TaskNode    `json:"tasks"              validate:"required,min=1,dive"`
	SLA          *SLARuleSpec   `json:"sla,omitempty"`
	AttemptRetry RetryConfig    `json:"attempt_retry"`
	PublishedAt  time.Time      `json:"published_at"`

	// TaskOrder is the topological order of Tasks, computed when the workflow is published.
	TaskOrder []string `json:"task_order,omitempty"`
}

// TaskNode is a single vertex of a workflow graph.
type TaskNode struct {
	ID           string         `json:"id"            validate:"required"`
	OperatorType string         `json:"operator_type" validate:"required"`
	Config       map[string]any `json:"config,omitempty"`
	Upstream     []Dependency   `json:"upstream,omitempty" validate:"dive"`
	Retry        RetryConfig    `json:"retry"`
	SLA          *SLARuleSpec   `json:"sla,omitempty"`
}

// Dependency is an edge from an upstream task into the task that declares it.
type Dependency struct {
	TaskID string `json:"task_id" validate:"required"`

	// RunAlways lets the downstream task run once the upstream is terminal, whatever the outcome.
	RunAlways bool `json:"run_always,omitempty"`

	// ContinueOnCancel treats a CANCELED upstream as satisfied.
	ContinueOnCancel bool `json:"continue_on_cancel,omitempty"`
}

// SatisfiedBy reports whether an upstream task in the given state lets the edge through.
func (d Dependency) SatisfiedBy(state TaskState) bool {
	switch {
	case state == TaskStateSuccess:
		return true
	case d.RunAlways && state.IsTerminal():
		return true
	case d.ContinueOnCancel && state == TaskStateCanceled:
		return true
	default:
		return false
	}
}

// RetryConfig bounds how often a task, or a whole attempt, is re-run after failure.
type RetryConfig struct {
	Limit              int          `json:"limit"                          validate:"gte=0"`
	IntervalSeconds    int          `json:"interval_seconds,omitempty"     validate:"gte=0"`
	IntervalType       IntervalType `json:"interval_type,omitempty"        validate:"omitempty,oneof=constant exponential"`
	Multiplier         float64      `json:"multiplier,omitempty"           validate:"gte=0"`
	MaxIntervalSeconds int          `json:"max_interval_seconds,omitempty" validate:"gte=0"`
}

// SLARuleSpec is the declarative form of an SLA rule attached to a workflow or a task.
type SLARuleSpec struct {
	Time            string       `json:"time,omitempty"`
	DurationSeconds int64        `json:"duration_seconds,omitempty" validate:"gte=0"`
	Action          SLAAction    `json:"action,omitempty"           validate:"omitempty,oneof=ALERT FAIL TASK"`
	NoRetry         bool         `json:"no_retry,omitempty"`
	Task            *SLATaskSpec `json:"task,omitempty"`
}

var ErrInvalidSLARule = errors.New("invalid SLA rule")

// Validate checks that exactly one deadline form is set and that a task is given with, and
// only with, the TASK action.
func (s *SLARuleSpec) Validate() error {
	if (s.Time == "") == (s.DurationSeconds == 0) {
		return fmt.Errorf("%w: exactly one of time or duration_seconds must be set", ErrInvalidSLARule)
	}

	switch {
	case s.action() == SLAActionTask && (s.Task == nil || s.Task.OperatorType == ""):
		return fmt.Errorf("%w: action TASK needs a task with an operator_type", ErrInvalidSLARule)
	case s.action() != SLAActionTask && s.Task != nil:
		return fmt.Errorf("%w: a task is only run by the TASK action", ErrInvalidSLARule)
	}

	if s.Time != "" {
		if _, err := ParseTimeOfDay(s.Time); err != nil {
			return err
		}
	}

	return nil
}

// Rule binds the declared rule to an attempt.
func (s *SLARuleSpec) Rule(taskName string, timeZone string) *SLARule {
	rule := &SLARule{
		TaskName: taskName,
		TimeZone: timeZone,
		Action:   s.action(),
		NoRetry:  s.NoRetry,
	}

	if s.Task != nil {
		task := *s.Task
		task.Config = cloneMap(s.Task.Config)
		rule.Task = &task
	}

	if s.Time != "" {
		rule.Kind = SLAKindTime
		rule.TimeOfDay = s.Time
	} else {
		rule.Kind = SLAKindDuration
		rule.DurationSeconds = s.DurationSeconds
	}

	return rule
}

// action is the declared action; a rule with a task defaults to TASK, any other to ALERT.
func (s *SLARuleSpec) action() SLAAction {
	switch {
	case s.Action != "":
		return s.Action
	case s.Task != nil:
		return SLAActionTask
	default:
		return SLAActionAlert
	}
}

// Location resolves the workflow time zone; an empty zone means UTC.
func (w *WorkflowDefinition) Location() (*time.Location, error) {
	return LoadLocation(w.TimeZone)
}

// Task returns the node with the given id, or nil.
func (w *WorkflowDefinition) Task(id string) *TaskNode {
	for _, node := range w.Tasks {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// SLARules lists the rules to materialize for a new attempt of this workflow.
func (w *WorkflowDefinition) SLARules() []*SLARule {
	rules := make([]*SLARule, 0)

	if w.SLA != nil {
		rules = append(rules, w.SLA.Rule("", w.TimeZone))
	}

	for _, node := range w.Tasks {
		if node.SLA != nil {
			rules = append(rules, node.SLA.Rule(node.ID, w.TimeZone))
		}
	}

	return rules
}

// LoadLocation is time.LoadLocation with the empty zone mapped to UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}

	location, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", name, err)
	}

	return location, nil
}
