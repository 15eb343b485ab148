// Package notification delivers SLA alerts to external channels at least once.
//
// Alerts are written to a durable outbox in the same store transaction that fires their
// rule. A pool of workers claims pending rows under a lease, sends them and records the
// outcome. A transient channel failure is retried with backoff until the configured number
// of attempts is used up; a permanent one is given up immediately. A row whose worker died
// is claimed again once its lease expires, so receivers should dedupe on (attemptId, ruleId).
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/retry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Channel is a destination for notifications.
type Channel interface {
	Name() string
	Send(ctx context.Context, notification models.Notification) error
}

// Outbox is the durable queue the dispatcher drains.
type Outbox interface {
	ClaimNotifications(ctx context.Context, owner string, limit int, lease time.Duration, now time.Time) ([]*models.NotificationRecord, error)
	CompleteNotification(ctx context.Context, id int64, owner string, outcome models.DeliveryOutcome, now time.Time) error
}

type Config struct {
	// ID is the claim owner written on outbox rows. A random id is generated when empty.
	ID string `yaml:"id"`

	Workers      int                 `yaml:"workers"`
	PollInterval time.Duration       `yaml:"poll_interval"`
	Lease        time.Duration       `yaml:"lease"`
	MaxAttempts  int                 `yaml:"max_attempts"`
	Backoff      retry.BackoffConfig `yaml:"backoff"`

	// History is how many delivery records are kept for inspection.
	History int `yaml:"history"`
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		Lease:        5 * time.Minute,
		MaxAttempts:  8,
		Backoff:      retry.DefaultBackoff,
		History:      1000,
	}
}

type Dispatcher struct {
	config   Config
	outbox   Outbox
	channels []Channel
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*models.NotificationRecord
	order   []string
}

func NewDispatcher(config Config, outbox Outbox, logger *slog.Logger, channels ...Channel) *Dispatcher {
	defaults := DefaultConfig()

	if config.ID == "" {
		config.ID = "notifier-" + uuid.NewString()
	}

	if config.Workers < 1 {
		config.Workers = defaults.Workers
	}

	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}

	if config.Lease <= 0 {
		config.Lease = defaults.Lease
	}

	if config.MaxAttempts < 1 {
		config.MaxAttempts = defaults.MaxAttempts
	}

	if config.Backoff.Initial <= 0 {
		config.Backoff = defaults.Backoff
	}

	if config.History < 1 {
		config.History = defaults.History
	}

	return &Dispatcher{
		config:   config,
		outbox:   outbox,
		channels: channels,
		logger:   logger.With("module", "notification", "notifier_id", config.ID),
		now:      time.Now,
		records:  make(map[string]*models.NotificationRecord),
	}
}

// Run drains the outbox every poll interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.outbox == nil {
		return ErrNoOutbox
	}

	d.logger.InfoContext(ctx, "Starting notification workers", "workers", d.config.Workers)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := d.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.ErrorContext(ctx, "Failed to drain notification outbox", "error", err)
			}

			if err != nil || n < d.config.Workers || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "Notification workers stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Drain claims up to one notification per worker and delivers them concurrently. It
// returns how many were claimed. A delivery interrupted by ctx is not recorded, so the
// row is claimed again when its lease expires.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	if d.outbox == nil {
		return 0, ErrNoOutbox
	}

	if len(d.channels) == 0 {
		return 0, ErrNoChannels
	}

	records, err := d.outbox.ClaimNotifications(ctx, d.config.ID, d.config.Workers, d.config.Lease, d.now())
	if err != nil {
		return 0, err
	}

	var group errgroup.Group

	for _, record := range records {
		group.Go(func() error {
			d.deliverRecord(ctx, record)

			return nil
		})
	}

	_ = group.Wait()

	return len(records), nil
}

func (d *Dispatcher) deliverRecord(ctx context.Context, record *models.NotificationRecord) {
	logger := d.logger.With("notification_id", record.ID, "dedupe_key", record.Notification.DedupeKey())

	attempts, err := d.deliver(ctx, record.Notification)
	if ctx.Err() != nil {
		logger.WarnContext(ctx, "Notification delivery interrupted, leaving it for a later claim")

		return
	}

	outcome := models.DeliveryOutcome{State: models.NotificationDelivered, Attempts: attempts}
	if err != nil {
		outcome.State = models.NotificationFailed
		outcome.LastError = err.Error()
	}

	if err := d.outbox.CompleteNotification(ctx, record.ID, d.config.ID, outcome, d.now()); err != nil {
		logger.ErrorContext(ctx, "Failed to record notification outcome", "state", outcome.State, "error", err)
	}
}

// Deliver sends notification to every channel, retrying transient failures.
func (d *Dispatcher) Deliver(ctx context.Context, notification models.Notification) error {
	_, err := d.deliver(ctx, notification)

	return err
}

func (d *Dispatcher) deliver(ctx context.Context, notification models.Notification) (int, error) {
	if len(d.channels) == 0 {
		return 0, ErrNoChannels
	}

	d.update(notification, func(record *models.NotificationRecord) {
		record.State = models.NotificationPending
	})

	errs := make([]error, 0)
	attempts := 0

	for _, channel := range d.channels {
		n, err := d.deliverTo(ctx, channel, notification)
		attempts += n

		if err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)

	d.update(notification, func(record *models.NotificationRecord) {
		if err != nil {
			record.State = models.NotificationFailed
			record.LastError = err.Error()

			return
		}

		record.State = models.NotificationDelivered
		record.LastError = ""
	})

	return attempts, err
}

func (d *Dispatcher) deliverTo(ctx context.Context, channel Channel, notification models.Notification) (int, error) {
	logger := d.logger.With(
		"channel", channel.Name(),
		"attempt_id", notification.AttemptID,
		"rule_id", notification.RuleID,
	)

	backoff := d.config.Backoff
	backoff.Steps = d.config.MaxAttempts - 1

	attempts := 0

	err := retry.OnError(ctx, backoff, func(err error) bool { return !IsPermanent(err) }, func() error {
		attempts++

		d.update(notification, func(record *models.NotificationRecord) {
			record.Attempts++
		})

		err := channel.Send(ctx, notification)
		if err != nil {
			logger.WarnContext(ctx, "Notification delivery failed", "attempt", attempts, "error", err)
		}

		return err
	})
	if err != nil {
		logger.ErrorContext(ctx, "Giving up on notification", "attempts", attempts, "permanent", IsPermanent(err), "error", err)

		return attempts, &DeliveryError{
			Channel:   channel.Name(),
			DedupeKey: notification.DedupeKey(),
			Attempts:  attempts,
			Err:       err,
		}
	}

	logger.InfoContext(ctx, "Notification delivered", "attempts", attempts)

	return attempts, nil
}

func (d *Dispatcher) update(notification models.Notification, fn func(record *models.NotificationRecord)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := notification.DedupeKey()

	record, exists := d.records[key]
	if !exists {
		record = &models.NotificationRecord{Notification: notification, State: models.NotificationPending}
		d.records[key] = record
		d.order = append(d.order, key)

		if len(d.order) > d.config.History {
			delete(d.records, d.order[0])
			d.order = d.order[1:]
		}
	}

	fn(record)
	record.UpdatedAt = d.now().UTC()
}

// Records returns the delivery records of recent notifications, oldest first.
func (d *Dispatcher) Records() []models.NotificationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	records := make([]models.NotificationRecord, 0, len(d.order))
	for _, key := range d.order {
		records = append(records, *d.records[key])
	}

	return records
}
