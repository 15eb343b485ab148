package notification

import (
	"errors"
	"fmt"
)

var (
	ErrNoChannels = errors.New("no notification channels configured")
	ErrNoOutbox   = errors.New("no notification outbox configured")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as a failure that retrying cannot fix, like a rejected payload.
// Errors not marked are treated as transient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err, or an error it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *permanentError

	return errors.As(err, &permanent)
}

// DeliveryError reports a notification a channel did not accept.
type DeliveryError struct {
	Channel   string
	DedupeKey string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of %s to %s failed after %d attempt(s): %v", e.DedupeKey, e.Channel, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
