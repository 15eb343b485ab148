package retry

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// BackoffConfig is the retry curve for transient infrastructure failures:
// store calls from the dispatcher and notification deliveries.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
	Cap     time.Duration `yaml:"cap"`
	Steps   int           `yaml:"steps"`
}

var DefaultBackoff = BackoffConfig{
	Initial: 500 * time.Millisecond,
	Factor:  2,
	Jitter:  0.1,
	Cap:     30 * time.Second,
	Steps:   8,
}

func (c BackoffConfig) Backoff() wait.Backoff {
	return wait.Backoff{
		Duration: c.Initial,
		Factor:   c.Factor,
		Jitter:   c.Jitter,
		Steps:    c.Steps,
		Cap:      c.Cap,
	}
}

// OnError calls fn until it succeeds, returns an error retryable rejects, the steps run out
// or ctx ends. The last error is returned.
func OnError(ctx context.Context, config BackoffConfig, retryable func(error) bool, fn func() error) error {
	backoff := config.Backoff()

	for {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}

		if backoff.Steps < 1 {
			return err
		}

		timer := time.NewTimer(backoff.Step())

		select {
		case <-ctx.Done():
			timer.Stop()

			return err
		case <-timer.C:
		}
	}
}
