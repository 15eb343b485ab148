// Package gochannel provides the in-memory watermill channel for single-process deployments and tests.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const defaultBuffer = 256

type Option func(*gochannel.Config)

// Persistent keeps published messages for subscribers that subscribe later.
func Persistent() Option {
	return func(c *gochannel.Config) { c.Persistent = true }
}

// Blocking makes Publish wait until every subscriber acked, which makes delivery order
// deterministic.
func Blocking() Option {
	return func(c *gochannel.Config) { c.BlockPublishUntilSubscriberAck = true }
}

func WithBuffer(size int64) Option {
	return func(c *gochannel.Config) { c.OutputChannelBuffer = size }
}

// CreateChannel returns one GoChannel used as both publisher and subscriber.
func CreateChannel(logger watermill.LoggerAdapter, options ...Option) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	config := gochannel.Config{OutputChannelBuffer: defaultBuffer}

	for _, option := range options {
		option(&config)
	}

	pubSub := gochannel.NewGoChannel(config, logger)

	return pubSub, pubSub, nil
}
