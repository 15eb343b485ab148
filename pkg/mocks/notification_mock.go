package mocks

import (
	"context"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockChannel is a mock implementation of notification.Channel interface.
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) Name() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockChannel) Send(ctx context.Context, notification models.Notification) error {
	args := m.Called(ctx, notification)

	return args.Error(0)
}
