package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
)

// ScheduleRepository handles workflow schedules.
type ScheduleRepository struct {
	store *Persistence
}

// SaveSchedule inserts or replaces a schedule by ID.
func (sr *ScheduleRepository) SaveSchedule(_ context.Context, schedule *models.Schedule) error {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	copied := *schedule
	sr.store.state.Schedules[schedule.ID] = &copied

	return sr.store.commit()
}

func (sr *ScheduleRepository) ScheduleByWorkflow(_ context.Context, projectID, workflowName string) (*models.Schedule, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	for _, schedule := range sr.store.state.Schedules {
		if schedule.ProjectID == projectID && schedule.WorkflowName == workflowName {
			copied := *schedule

			return &copied, nil
		}
	}

	return nil, persistence.ErrScheduleNotFound
}

func (sr *ScheduleRepository) DueSchedules(_ context.Context, now time.Time) ([]*models.Schedule, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	due := make([]*models.Schedule, 0)

	for _, schedule := range sr.store.state.Schedules {
		if schedule.IsDue(now) {
			copied := *schedule
			due = append(due, &copied)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })

	return due, nil
}

func (sr *ScheduleRepository) AdvanceSchedule(_ context.Context, id string, expected, next time.Time) (bool, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	schedule, exists := sr.store.state.Schedules[id]
	if !exists {
		return false, persistence.ErrScheduleNotFound
	}

	if !schedule.NextRunAt.Equal(expected) {
		return false, nil
	}

	schedule.NextRunAt = next.UTC()
	schedule.UpdatedAt = time.Now().UTC()

	if err := sr.store.commit(); err != nil {
		return false, err
	}

	return true, nil
}
