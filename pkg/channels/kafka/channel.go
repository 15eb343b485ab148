// Package kafka provides the watermill Kafka channel used when engine processes run apart.
package kafka

import (
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

// ErrNoBrokers is returned when no broker address was configured.
var ErrNoBrokers = errors.New("no kafka brokers configured")

type Config struct {
	Brokers []string

	// ConsumerGroup is shared by every replica of one process kind, so each event is
	// handled once per kind.
	ConsumerGroup string

	// FromNewest starts a new consumer group at the end of the topic instead of replaying it.
	FromNewest bool

	// Tracing propagates otel span context through message headers.
	Tracing bool
}

// NewConfig returns the configuration of a process named serviceName.
func NewConfig(serviceName string, brokers []string) Config {
	return Config{
		Brokers:       brokers,
		ConsumerGroup: "flowkeeper-" + serviceName,
		Tracing:       true,
	}
}

// brokers drops blanks and splits comma separated entries.
func (c Config) brokers() []string {
	brokers := make([]string, 0, len(c.Brokers))

	for _, entry := range c.Brokers {
		for _, broker := range strings.Split(entry, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				brokers = append(brokers, broker)
			}
		}
	}

	return brokers
}

func (c Config) Validate() error {
	if len(c.brokers()) == 0 {
		return ErrNoBrokers
	}

	if c.ConsumerGroup == "" {
		return errors.New("kafka consumer group is required")
	}

	return nil
}

// CreateChannel connects a publisher and a consumer-group subscriber.
func CreateChannel(logger watermill.LoggerAdapter, config Config) (*kafka.Publisher, *kafka.Subscriber, error) {
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	brokers := config.brokers()

	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	if config.FromNewest {
		saramaSubscriberConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaSubscriberConfig,
			ConsumerGroup:         config.ConsumerGroup,
			OTELEnabled:           config.Tracing,
		},
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka subscriber: %w", err)
	}

	saramaPublisherConfig := kafka.DefaultSaramaSyncPublisherConfig()

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           config.Tracing,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()

		return nil, nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}

	return publisher, subscriber, nil
}
