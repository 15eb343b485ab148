package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowkeeper/pkg/events"
)

type Option func(*WatermillEventBus)

func WithLogger(logger *slog.Logger) Option {
	return func(eb *WatermillEventBus) { eb.logger = logger.With("module", "event_bus") }
}

// WatermillEventBus carries every lifecycle event on events.Topic. The event type travels
// in message metadata so subscribers can skip types they do not handle without decoding.
type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, options ...Option) EventBus {
	eb := &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		logger:     slog.New(slog.DiscardHandler),
		handlers:   make(map[events.EventType]EventHandler),
	}

	for _, option := range options {
		option(eb)
	}

	return eb
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage(eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	if err := eb.publisher.Publish(events.Topic, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.GetType(), err)
	}

	return nil
}

// Subscribe starts consuming in the background until ctx ends. A message whose handler
// fails is nacked for redelivery; one that cannot be decoded is acked and dropped.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.Topic, err)
	}

	go func() {
		for msg := range messages {
			eb.dispatch(ctx, msg)
		}
	}()

	return nil
}

func (eb *WatermillEventBus) dispatch(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))
	logger := eb.logger.With("message_id", msg.UUID, "event_type", eventType)

	eb.mu.RLock()
	handler, exists := eb.handlers[eventType]
	eb.mu.RUnlock()

	if !exists {
		msg.Ack()

		return
	}

	event := newEvent(eventType)
	if event == nil {
		logger.WarnContext(ctx, "Dropping event of unknown type")
		msg.Ack()

		return
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		logger.WarnContext(ctx, "Dropping malformed event", "error", err)
		msg.Ack()

		return
	}

	if err := handler(ctx, event); err != nil {
		logger.ErrorContext(ctx, "Event handler failed", "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func newEvent(eventType events.EventType) any {
	switch eventType {
	case events.WorkflowPublishedEvent:
		return &events.WorkflowPublished{}
	case events.SessionCreatedEvent:
		return &events.SessionCreated{}
	case events.AttemptStartedEvent:
		return &events.AttemptStarted{}
	case events.AttemptFinishedEvent:
		return &events.AttemptFinished{}
	case events.TaskStartedEvent:
		return &events.TaskStarted{}
	case events.TaskFinishedEvent:
		return &events.TaskFinished{}
	case events.SLATriggeredEvent:
		return &events.SLATriggered{}
	default:
		return nil
	}
}

// Handle registers the handler of eventType, replacing any previous one.
func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	if newEvent(eventType) == nil {
		return fmt.Errorf("unknown event type %q", eventType)
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	return errors.Join(eb.publisher.Close(), eb.subscriber.Close())
}
