// Package retry decides when failed work is attempted again.
package retry

import (
	"math"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
)

const defaultMultiplier = 2.0

// Policy is the task-level retry rule derived from a RetryConfig.
type Policy struct {
	Limit       int
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	Exponential bool
}

func NewPolicy(config models.RetryConfig) Policy {
	policy := Policy{
		Limit:       config.Limit,
		Interval:    time.Duration(config.IntervalSeconds) * time.Second,
		MaxInterval: time.Duration(config.MaxIntervalSeconds) * time.Second,
		Multiplier:  config.Multiplier,
		Exponential: config.IntervalType == models.IntervalExponential,
	}

	if policy.Multiplier <= 0 {
		policy.Multiplier = defaultMultiplier
	}

	return policy
}

// Next decides whether a task that already retried retryCount times gets another run,
// and when it becomes claimable again.
func (p Policy) Next(retryCount int, now time.Time) (bool, time.Time) {
	if retryCount >= p.Limit {
		return false, time.Time{}
	}

	return true, now.Add(p.Delay(retryCount + 1))
}

// Delay is the wait before the n-th retry (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 || p.Interval <= 0 {
		return 0
	}

	if !p.Exponential {
		return p.Interval
	}

	delay := float64(p.Interval) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		return p.MaxInterval
	}

	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// AttemptsLeft reports whether another attempt of a session may be opened automatically.
// index is the 1-based index of the attempt that just failed.
func AttemptsLeft(config models.RetryConfig, index int) bool {
	return index <= config.Limit
}
