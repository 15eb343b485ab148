// Package redischannel appends notifications to a Redis stream.
package redischannel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/notification"
	"github.com/redis/go-redis/v9"
)

const DefaultStream = "flowkeeper:notifications"

type Config struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`

	// MaxLen trims the stream approximately to this many entries; 0 keeps everything.
	MaxLen int64 `yaml:"max_len"`
}

type Channel struct {
	client *redis.Client
	stream string
	maxLen int64
}

func New(config Config) *Channel {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Username: config.Username,
		Password: config.Password,
		DB:       config.DB,
	})

	return NewFromClient(client, config.Stream, config.MaxLen)
}

func NewFromClient(client *redis.Client, stream string, maxLen int64) *Channel {
	if stream == "" {
		stream = DefaultStream
	}

	return &Channel{client: client, stream: stream, maxLen: maxLen}
}

func (c *Channel) Name() string {
	return "redis"
}

func (c *Channel) Send(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return notification.Permanent(fmt.Errorf("failed to marshal notification: %w", err))
	}

	args := &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{
			"dedupe_key": n.DedupeKey(),
			"payload":    string(payload),
		},
	}

	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	if err := c.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add notification to stream %s: %w", c.stream, err)
	}

	return nil
}

func (c *Channel) Close() error {
	return c.client.Close()
}
