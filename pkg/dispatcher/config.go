package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowkeeper/pkg/retry"
)

var ErrInvalidConfig = errors.New("invalid dispatcher config")

// Config tunes one dispatcher process.
type Config struct {
	// ID is the claim owner written on every task this dispatcher runs. A random
	// id is generated when empty.
	ID string `yaml:"id"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchSize         int           `yaml:"batch_size"`
	Workers           int           `yaml:"workers"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`

	// StoreRetry bounds retries of store calls that failed transiently.
	StoreRetry retry.BackoffConfig `yaml:"store_retry"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		BatchSize:         16,
		Workers:           8,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		SweepInterval:     5 * time.Second,
		StoreRetry:        retry.DefaultBackoff,
	}
}

// Validate checks the lease can outlive a poll cycle and is renewed before it runs out.
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be at least 1", ErrInvalidConfig)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidConfig)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	case c.LeaseDuration < 2*c.PollInterval:
		return fmt.Errorf("%w: lease duration %s must be at least twice the poll interval %s",
			ErrInvalidConfig, c.LeaseDuration, c.PollInterval)
	case c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration:
		return fmt.Errorf("%w: heartbeat interval %s must be positive and shorter than the lease %s",
			ErrInvalidConfig, c.HeartbeatInterval, c.LeaseDuration)
	}

	return nil
}
