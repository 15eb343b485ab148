package sla

import (
	"fmt"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/robfig/cron/v3"
)

var timeOfDayParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Deadline returns when rule is violated for an attempt that started at startedAt.
//
// DURATION rules are relative to the start. TIME rules resolve to the first occurrence of
// the time of day, in the rule's zone, at or after the start (second resolution).
func Deadline(rule *models.SLARule, startedAt time.Time) (time.Time, error) {
	switch rule.Kind {
	case models.SLAKindDuration:
		return startedAt.Add(time.Duration(rule.DurationSeconds) * time.Second).UTC(), nil
	case models.SLAKindTime:
		timeOfDay, err := models.ParseTimeOfDay(rule.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}

		location, err := models.LoadLocation(rule.TimeZone)
		if err != nil {
			return time.Time{}, err
		}

		schedule, err := timeOfDayParser.Parse(timeOfDay.CronSpec())
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", models.ErrInvalidSLARule, err)
		}

		start := startedAt.In(location)

		deadline := schedule.Next(start.Truncate(time.Second).Add(-time.Second))
		if deadline.Before(start) {
			deadline = schedule.Next(deadline)
		}

		return deadline.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidSLARule, rule.Kind)
	}
}
