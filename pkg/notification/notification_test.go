package notification_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowkeeper/pkg/log"
	"github.com/dukex/flowkeeper/pkg/mocks"
	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/notification"
	"github.com/dukex/flowkeeper/pkg/persistence"
	"github.com/dukex/flowkeeper/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("connection refused")

// scriptedChannel fails with the scripted errors, then succeeds.
type scriptedChannel struct {
	mu       sync.Mutex
	failures []error
	sent     []models.Notification
}

func (c *scriptedChannel) Name() string { return "scripted" }

func (c *scriptedChannel) Send(_ context.Context, n models.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, n)

	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]

		return err
	}

	return nil
}

func (c *scriptedChannel) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sent)
}

// memoryOutbox keeps outbox rows in memory with the same claim rules as the stores.
type memoryOutbox struct {
	mu      sync.Mutex
	records []*models.NotificationRecord
}

func (o *memoryOutbox) add(notifications ...models.Notification) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, n := range notifications {
		record := models.NewNotificationRecord(n, time.Now())
		record.ID = int64(len(o.records) + 1)
		o.records = append(o.records, record)
	}
}

func (o *memoryOutbox) ClaimNotifications(
	_ context.Context,
	owner string,
	limit int,
	lease time.Duration,
	now time.Time,
) ([]*models.NotificationRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	claimed := make([]*models.NotificationRecord, 0)

	for _, record := range o.records {
		if len(claimed) == limit {
			break
		}

		if !record.Claimable(now) {
			continue
		}

		record.ClaimOwner = owner
		record.LeaseExpiresAt = models.TimePtr(now.Add(lease))
		claimed = append(claimed, record.Clone())
	}

	return claimed, nil
}

func (o *memoryOutbox) CompleteNotification(
	_ context.Context,
	id int64,
	owner string,
	outcome models.DeliveryOutcome,
	now time.Time,
) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	record := o.records[id-1]
	if !record.IsClaimedBy(owner) {
		return persistence.ErrClaimLost
	}

	record.Complete(outcome, now)

	return nil
}

func (o *memoryOutbox) snapshot() []models.NotificationRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	records := make([]models.NotificationRecord, 0, len(o.records))
	for _, record := range o.records {
		records = append(records, *record.Clone())
	}

	return records
}

func testConfig() notification.Config {
	return notification.Config{
		ID:           "notifier-test",
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Minute,
		MaxAttempts:  4,
		Backoff:      retry.BackoffConfig{Initial: time.Millisecond, Factor: 2, Steps: 10},
	}
}

func alert(attemptID, ruleID int64) models.Notification {
	return models.Notification{Message: models.SLAViolationMessage, AttemptID: attemptID, RuleID: ruleID}
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	assert.Nil(t, notification.Permanent(nil))
	assert.False(t, notification.IsPermanent(errUnreachable))

	err := notification.Permanent(errUnreachable)
	assert.True(t, notification.IsPermanent(err))
	assert.ErrorIs(t, err, errUnreachable)
	assert.True(t, notification.IsPermanent(&notification.DeliveryError{Err: err}))
}

func TestDispatcher_Deliver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		failures      []error
		expectedCalls int
		expectedState models.NotificationState
		permanent     bool
	}{
		{
			name:          "first try",
			expectedCalls: 1,
			expectedState: models.NotificationDelivered,
		},
		{
			name:          "transient failures are retried",
			failures:      []error{errUnreachable, errUnreachable},
			expectedCalls: 3,
			expectedState: models.NotificationDelivered,
		},
		{
			name:          "permanent failure is not retried",
			failures:      []error{notification.Permanent(errors.New("bad request"))},
			expectedCalls: 1,
			expectedState: models.NotificationFailed,
			permanent:     true,
		},
		{
			name:          "gives up after max attempts",
			failures:      []error{errUnreachable, errUnreachable, errUnreachable, errUnreachable, errUnreachable},
			expectedCalls: 4,
			expectedState: models.NotificationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			channel := &scriptedChannel{failures: tt.failures}
			d := notification.NewDispatcher(testConfig(), nil, log.Discard(), channel)

			err := d.Deliver(t.Context(), alert(1, 1))

			if tt.expectedState == models.NotificationDelivered {
				require.NoError(t, err)
			} else {
				var deliveryErr *notification.DeliveryError
				require.ErrorAs(t, err, &deliveryErr)
				assert.Equal(t, tt.expectedCalls, deliveryErr.Attempts)
				assert.Equal(t, "1:1", deliveryErr.DedupeKey)
				assert.Equal(t, tt.permanent, notification.IsPermanent(err))
			}

			assert.Equal(t, tt.expectedCalls, channel.calls())

			records := d.Records()
			require.Len(t, records, 1)
			assert.Equal(t, tt.expectedState, records[0].State)
			assert.Equal(t, tt.expectedCalls, records[0].Attempts)
		})
	}
}

func TestDispatcher_DeliverStopsWithContext(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.Backoff = retry.BackoffConfig{Initial: time.Hour, Factor: 1, Steps: 10}

	channel := &scriptedChannel{failures: []error{errUnreachable, errUnreachable}}
	d := notification.NewDispatcher(config, nil, log.Discard(), channel)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := d.Deliver(ctx, alert(1, 1))
	require.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, 1, channel.calls())
}

func TestDispatcher_RunDrainsOutbox(t *testing.T) {
	t.Parallel()

	outbox := &memoryOutbox{}
	for i := range 5 {
		outbox.add(alert(int64(i), 1))
	}

	channel := &scriptedChannel{failures: []error{errUnreachable}}
	d := notification.NewDispatcher(testConfig(), outbox, log.Discard(), channel)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, record := range outbox.snapshot() {
			if record.State != models.NotificationDelivered {
				return false
			}
		}

		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 6, channel.calls())

	attempts := 0
	for _, record := range outbox.snapshot() {
		assert.Empty(t, record.ClaimOwner)
		assert.Nil(t, record.LeaseExpiresAt)
		attempts += record.Attempts
	}

	assert.Equal(t, 6, attempts)
}

func TestDispatcher_DrainRecordsOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		failures      []error
		expectedState models.NotificationState
		expectedError bool
	}{
		{
			name:          "delivered",
			expectedState: models.NotificationDelivered,
		},
		{
			name:          "permanent failure",
			failures:      []error{notification.Permanent(errors.New("bad request"))},
			expectedState: models.NotificationFailed,
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			outbox := &memoryOutbox{}
			outbox.add(alert(1, 1))

			d := notification.NewDispatcher(testConfig(), outbox, log.Discard(), &scriptedChannel{failures: tt.failures})

			n, err := d.Drain(t.Context())
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			records := outbox.snapshot()
			assert.Equal(t, tt.expectedState, records[0].State)
			assert.Equal(t, 1, records[0].Attempts)
			assert.Equal(t, tt.expectedError, records[0].LastError != "")

			n, err = d.Drain(t.Context())
			require.NoError(t, err)
			assert.Zero(t, n, "a completed row is never claimed again")
		})
	}
}

func TestDispatcher_InterruptedDeliveryIsClaimedAgain(t *testing.T) {
	t.Parallel()

	outbox := &memoryOutbox{}
	outbox.add(alert(1, 1))

	config := testConfig()
	config.Lease = 200 * time.Millisecond
	config.Backoff = retry.BackoffConfig{Initial: time.Hour, Factor: 1, Steps: 10}

	stuck := notification.NewDispatcher(config, outbox, log.Discard(), &scriptedChannel{failures: []error{errUnreachable}})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	n, err := stuck.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	record := outbox.snapshot()[0]
	assert.Equal(t, models.NotificationPending, record.State)
	assert.Equal(t, "notifier-test", record.ClaimOwner)

	config.ID = "notifier-other"
	healthy := &scriptedChannel{}
	other := notification.NewDispatcher(config, outbox, log.Discard(), healthy)

	n, err = other.Drain(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n, "the lease is still held")

	time.Sleep(250 * time.Millisecond)

	n, err = other.Drain(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.NotificationDelivered, outbox.snapshot()[0].State)
	assert.Equal(t, 1, healthy.calls())
}

func TestDispatcher_NoChannels(t *testing.T) {
	t.Parallel()

	d := notification.NewDispatcher(testConfig(), &memoryOutbox{}, log.Discard())

	_, err := d.Drain(t.Context())
	require.ErrorIs(t, err, notification.ErrNoChannels)
	require.ErrorIs(t, d.Deliver(t.Context(), alert(1, 1)), notification.ErrNoChannels)
}

func TestDispatcher_NoOutbox(t *testing.T) {
	t.Parallel()

	d := notification.NewDispatcher(testConfig(), nil, log.Discard(), &scriptedChannel{})

	require.ErrorIs(t, d.Run(t.Context()), notification.ErrNoOutbox)
}

func TestDispatcher_HistoryIsBounded(t *testing.T) {
	t.Parallel()

	config := testConfig()
	config.History = 2

	d := notification.NewDispatcher(config, nil, log.Discard(), &scriptedChannel{})

	for i := range 3 {
		require.NoError(t, d.Deliver(t.Context(), alert(int64(i), 1)))
	}

	records := d.Records()
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Notification.AttemptID)
	assert.Equal(t, int64(2), records[1].Notification.AttemptID)
}

func TestLogChannel(t *testing.T) {
	t.Parallel()

	channel := notification.NewLogChannel(log.Discard())
	assert.Equal(t, "log", channel.Name())
	require.NoError(t, channel.Send(t.Context(), alert(1, 1)))
}

func TestDispatcher_DeliversToEveryChannel(t *testing.T) {
	t.Parallel()

	n := alert(7, 3)

	healthy := &mocks.MockChannel{}
	healthy.On("Name").Return("healthy")
	healthy.On("Send", mock.Anything, n).Return(nil).Once()

	flaky := &mocks.MockChannel{}
	flaky.On("Name").Return("flaky")
	flaky.On("Send", mock.Anything, n).Return(errUnreachable).Once()
	flaky.On("Send", mock.Anything, n).Return(nil).Once()

	d := notification.NewDispatcher(testConfig(), nil, log.Discard(), healthy, flaky)

	require.NoError(t, d.Deliver(t.Context(), n))

	healthy.AssertExpectations(t)
	flaky.AssertExpectations(t)
	flaky.AssertNumberOfCalls(t, "Send", 2)
}
