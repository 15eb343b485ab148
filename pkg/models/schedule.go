package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule starts a new session of a workflow at every tick of its cron expression.
// NextRunAt is precomputed so the scheduler only has to query for due rows.
type Schedule struct {
	ID string `json:"id" validate:"required"`

	ProjectID    string `json:"project_id"    validate:"required"`
	ProjectName  string `json:"project_name"`
	WorkflowName string `json:"workflow_name" validate:"required"`

	// CronExpression uses the standard 5-field format (minute hour day month weekday).
	CronExpression string `json:"cron_expression" validate:"required"`

	// TimeZone the cron expression is evaluated in; empty means UTC.
	TimeZone string `json:"time_zone"`

	// NextRunAt is the session time of the next session to start.
	NextRunAt time.Time `json:"next_run_at" validate:"required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Inactive schedules are not processed by the scheduler.
	Active bool `json:"active"`
}

var ErrInvalidSchedule = errors.New("invalid schedule configuration")

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewSchedule creates an active schedule whose first run is the first tick after now.
func NewSchedule(id string, definition *WorkflowDefinition, now time.Time) (*Schedule, error) {
	schedule := &Schedule{
		ID:             id,
		ProjectID:      definition.ProjectID,
		ProjectName:    definition.ProjectName,
		WorkflowName:   definition.Name,
		CronExpression: definition.Schedule,
		TimeZone:       definition.TimeZone,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
		Active:         true,
	}

	next, err := schedule.NextAfter(now)
	if err != nil {
		return nil, err
	}

	schedule.NextRunAt = next

	return schedule, nil
}

// NextAfter returns the first tick strictly after reference, in UTC.
func (s *Schedule) NextAfter(reference time.Time) (time.Time, error) {
	cronSchedule, err := scheduleParser.Parse(s.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	location, err := LoadLocation(s.TimeZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return cronSchedule.Next(reference.In(location)).UTC(), nil
}

// IsDue checks if this schedule is due for execution at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextRunAt.After(now)
}

// Validate performs validation on the schedule fields.
func (s *Schedule) Validate() error {
	if s.ID == "" || s.ProjectID == "" || s.WorkflowName == "" || s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	_, err := s.NextAfter(time.Now())

	return err
}

// ValidateCron checks a 5-field cron expression.
func ValidateCron(expression string) error {
	if _, err := scheduleParser.Parse(expression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return nil
}
