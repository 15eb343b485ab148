package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowkeeper/pkg/config"
	"github.com/dukex/flowkeeper/pkg/notification"
	"github.com/dukex/flowkeeper/pkg/notification/buschannel"
	"github.com/dukex/flowkeeper/pkg/notification/httpchannel"
	"github.com/dukex/flowkeeper/pkg/notification/redischannel"
)

// NewNotificationChannels builds the configured channels. The returned function closes the
// ones holding connections.
func NewNotificationChannels(
	configs []config.ChannelConfig,
	logger *slog.Logger,
	publisher message.Publisher,
) ([]notification.Channel, func() error, error) {
	channels := make([]notification.Channel, 0, len(configs))
	closers := make([]func() error, 0)

	closeAll := func() error {
		var errs []error
		for _, closer := range closers {
			errs = append(errs, closer())
		}

		return errors.Join(errs...)
	}

	for i, channelConfig := range configs {
		switch channelConfig.Type {
		case config.ChannelLog:
			channels = append(channels, notification.NewLogChannel(logger))
		case config.ChannelHTTP:
			channels = append(channels, httpchannel.New(channelConfig.HTTP))
		case config.ChannelRedis:
			channel := redischannel.New(channelConfig.Redis)
			closers = append(closers, channel.Close)
			channels = append(channels, channel)
		case config.ChannelBus:
			if publisher == nil {
				_ = closeAll()

				return nil, nil, fmt.Errorf("channels[%d]: bus channel needs an event bus", i)
			}

			channels = append(channels, buschannel.New(publisher, channelConfig.BusTopic()))
		default:
			_ = closeAll()

			return nil, nil, fmt.Errorf("channels[%d]: unknown channel type '%s'", i, channelConfig.Type)
		}
	}

	return channels, closeAll, nil
}
