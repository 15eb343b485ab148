package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowkeeper/pkg/channels/gochannel"
	"github.com/dukex/flowkeeper/pkg/channels/kafka"
	"github.com/dukex/flowkeeper/pkg/eventbus"
)

// PubSub is the watermill transport shared by the event bus and the bus notification channel.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	logger *slog.Logger
}

// NewPubSub creates the transport for provider: "gochannel" keeps messages in process,
// "kafka" connects to brokers.
func NewPubSub(provider string, logger *slog.Logger, serviceName string, brokers []string) (*PubSub, error) {
	adapter := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "gochannel":
		pub, sub, err := gochannel.CreateChannel(adapter)
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel pub/sub: %w", err)
		}

		return &PubSub{Publisher: pub, Subscriber: sub, logger: logger}, nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(adapter, kafka.NewConfig(serviceName, brokers))
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return &PubSub{Publisher: pub, Subscriber: sub, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}

func (p *PubSub) EventBus() eventbus.EventBus {
	return eventbus.NewWatermillEventBus(p.Publisher, p.Subscriber, eventbus.WithLogger(p.logger))
}
