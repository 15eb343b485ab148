package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
)

// NotificationRepository is the notification outbox.
type NotificationRepository struct {
	store *Persistence
}

func (nr *NotificationRepository) ClaimNotifications(
	_ context.Context,
	owner string,
	limit int,
	lease time.Duration,
	now time.Time,
) ([]*models.NotificationRecord, error) {
	nr.store.mu.Lock()
	defer nr.store.mu.Unlock()

	candidates := make([]*models.NotificationRecord, 0)

	for _, record := range nr.store.state.Notifications {
		if record.Claimable(now) {
			candidates = append(candidates, record)
		}
	}

	if len(candidates) == 0 {
		return candidates, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	if limit >= 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*models.NotificationRecord, 0, len(candidates))

	for _, record := range candidates {
		record.ClaimOwner = owner
		record.LeaseExpiresAt = models.TimePtr(now.Add(lease).UTC())
		record.UpdatedAt = now.UTC()
		claimed = append(claimed, record.Clone())
	}

	if err := nr.store.commit(); err != nil {
		return nil, err
	}

	return claimed, nil
}

func (nr *NotificationRepository) CompleteNotification(
	_ context.Context,
	id int64,
	owner string,
	outcome models.DeliveryOutcome,
	now time.Time,
) error {
	nr.store.mu.Lock()
	defer nr.store.mu.Unlock()

	record, exists := nr.store.state.Notifications[id]
	if !exists {
		return persistence.ErrNotificationNotFound
	}

	if !record.IsClaimedBy(owner) {
		return persistence.ErrClaimLost
	}

	record.Complete(outcome, now)

	return nr.store.commit()
}

func (nr *NotificationRepository) Notifications(_ context.Context, attemptID int64) ([]*models.NotificationRecord, error) {
	nr.store.mu.Lock()
	defer nr.store.mu.Unlock()

	records := make([]*models.NotificationRecord, 0)

	for _, record := range nr.store.state.Notifications {
		if record.Notification.AttemptID == attemptID {
			records = append(records, record.Clone())
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return records, nil
}
