// Package eventbus publishes and consumes engine lifecycle events: workflow publication,
// session creation, attempt start and finish, task state changes and SLA violations.
package eventbus

import (
	"context"

	"github.com/dukex/flowkeeper/pkg/events"
)

// Event is any payload from pkg/events.
type Event interface {
	GetType() events.EventType
}

// EventPublisher is what engine components depend on. Publishing is best effort: callers
// log failures and never roll back state because of them.
type EventPublisher interface {
	// Publish sends event under key, "<project>/<workflow>", so one workflow's events stay
	// ordered on partitioned transports.
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber dispatches incoming events to one handler per type.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event struct.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
