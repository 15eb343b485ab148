// Package config loads the engine configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/flowkeeper/pkg/dispatcher"
	"github.com/dukex/flowkeeper/pkg/notification"
	"github.com/dukex/flowkeeper/pkg/notification/buschannel"
	"github.com/dukex/flowkeeper/pkg/notification/httpchannel"
	"github.com/dukex/flowkeeper/pkg/notification/redischannel"
	"github.com/dukex/flowkeeper/pkg/scheduler"
	"github.com/dukex/flowkeeper/pkg/sla"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid engine configuration")

// Channel types a notification channel entry may name.
const (
	ChannelLog   = "log"
	ChannelHTTP  = "http"
	ChannelRedis = "redis"
	ChannelBus   = "bus"
)

// EngineConfig tunes the engine components. Every field is optional in the file; missing
// values keep their defaults.
type EngineConfig struct {
	Dispatcher   dispatcher.Config  `yaml:"dispatcher"`
	SLA          sla.Config         `yaml:"sla"`
	Scheduler    scheduler.Config   `yaml:"scheduler"`
	Notification NotificationConfig `yaml:"notification"`
}

type NotificationConfig struct {
	notification.Config `yaml:",inline"`

	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig is one notification channel. Only the section matching Type is read.
type ChannelConfig struct {
	Type  string              `yaml:"type"`
	HTTP  httpchannel.Config  `yaml:"http"`
	Redis redischannel.Config `yaml:"redis"`
	Topic string              `yaml:"topic"`
}

// Default returns the configuration used when no file is given.
func Default() EngineConfig {
	return EngineConfig{
		Dispatcher: dispatcher.DefaultConfig(),
		SLA:        sla.Config{Interval: 10 * time.Second},
		Scheduler:  scheduler.Config{Interval: 10 * time.Second, MaxCatchUp: 100},
		Notification: NotificationConfig{
			Config:   notification.DefaultConfig(),
			Channels: []ChannelConfig{{Type: ChannelLog}},
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (EngineConfig, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return EngineConfig{}, err
	}

	return config, nil
}

// LoadOrDefault loads path, or returns the defaults when path is empty.
func LoadOrDefault(path string) (EngineConfig, error) {
	if path == "" {
		return Default(), nil
	}

	return Load(path)
}

// Validate checks every component section.
func (c EngineConfig) Validate() error {
	if err := c.Dispatcher.Validate(); err != nil {
		return err
	}

	if c.SLA.Interval <= 0 {
		return fmt.Errorf("%w: sla.interval must be positive", ErrInvalidConfig)
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("%w: scheduler.interval must be positive", ErrInvalidConfig)
	}

	n := c.Notification
	if n.Workers <= 0 || n.MaxAttempts <= 0 {
		return fmt.Errorf("%w: notification workers and max_attempts must be positive", ErrInvalidConfig)
	}

	if n.PollInterval <= 0 || n.Lease <= 0 {
		return fmt.Errorf("%w: notification poll_interval and lease must be positive", ErrInvalidConfig)
	}

	if len(n.Channels) == 0 {
		return fmt.Errorf("%w: at least one notification channel must be configured", ErrInvalidConfig)
	}

	for i, channel := range n.Channels {
		switch channel.Type {
		case ChannelLog, ChannelBus:
		case ChannelHTTP:
			if channel.HTTP.URL == "" {
				return fmt.Errorf("%w: channels[%d]: http.url is required", ErrInvalidConfig, i)
			}
		case ChannelRedis:
			if channel.Redis.Addr == "" {
				return fmt.Errorf("%w: channels[%d]: redis.addr is required", ErrInvalidConfig, i)
			}
		default:
			return fmt.Errorf("%w: channels[%d]: unknown channel type '%s'", ErrInvalidConfig, i, channel.Type)
		}
	}

	return nil
}

// BusTopic is the topic of a bus channel entry.
func (c ChannelConfig) BusTopic() string {
	if c.Topic == "" {
		return buschannel.DefaultTopic
	}

	return c.Topic
}
