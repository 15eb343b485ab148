// Package buschannel publishes notifications on a watermill topic, Kafka or in-memory.
package buschannel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/notification"
)

// DefaultTopic is where notifications go when no topic is configured.
const DefaultTopic = "flowkeeper.notifications"

// DedupeKeyMetadataKey carries Notification.DedupeKey on every message.
const DedupeKeyMetadataKey = "dedupe_key"

type Channel struct {
	publisher message.Publisher
	topic     string
}

func New(publisher message.Publisher, topic string) *Channel {
	if topic == "" {
		topic = DefaultTopic
	}

	return &Channel{publisher: publisher, topic: topic}
}

func (c *Channel) Name() string {
	return "bus"
}

func (c *Channel) Send(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return notification.Permanent(fmt.Errorf("failed to marshal notification: %w", err))
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(DedupeKeyMetadataKey, n.DedupeKey())

	if err := c.publisher.Publish(c.topic, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	return nil
}
