package mocks

import (
	"context"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockScheduleRepository is a mock implementation of persistence.ScheduleRepository interface.
type MockScheduleRepository struct {
	mock.Mock
}

func (m *MockScheduleRepository) SaveSchedule(ctx context.Context, schedule *models.Schedule) error {
	args := m.Called(ctx, schedule)

	return args.Error(0)
}

func (m *MockScheduleRepository) ScheduleByWorkflow(ctx context.Context, projectID, workflowName string) (*models.Schedule, error) {
	args := m.Called(ctx, projectID, workflowName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Schedule), args.Error(1)
}

func (m *MockScheduleRepository) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Schedule), args.Error(1)
}

func (m *MockScheduleRepository) AdvanceSchedule(ctx context.Context, id string, expected, next time.Time) (bool, error) {
	args := m.Called(ctx, id, expected, next)

	return args.Bool(0), args.Error(1)
}

// MockSessionStarter is a mock implementation of scheduler.SessionStarter interface.
type MockSessionStarter struct {
	mock.Mock
}

func (m *MockSessionStarter) StartScheduledSession(ctx context.Context, schedule *models.Schedule, sessionTime time.Time) error {
	args := m.Called(ctx, schedule, sessionTime)

	return args.Error(0)
}
