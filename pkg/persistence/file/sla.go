package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
)

// SLARepository handles SLA rules.
type SLARepository struct {
	store *Persistence
}

func (sr *SLARepository) RulesByAttempt(_ context.Context, attemptID int64) ([]*models.SLARule, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	rules := make([]*models.SLARule, 0)

	for _, rule := range sr.store.state.Rules {
		if rule.AttemptID == attemptID {
			rules = append(rules, rule.Clone())
		}
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	return rules, nil
}

func (sr *SLARepository) TriggerRule(_ context.Context, ruleID int64, firing models.SLAFiring, now time.Time) (bool, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	state := sr.store.state

	rule, exists := state.Rules[ruleID]
	if !exists {
		return false, persistence.ErrRuleNotFound
	}

	if rule.TriggeredAt != nil {
		return false, nil
	}

	rule.TriggeredAt = models.TimePtr(now.UTC())

	if firing.Alert != nil {
		record := models.NewNotificationRecord(*firing.Alert, now)
		record.ID = state.nextID()
		state.Notifications[record.ID] = record
	}

	if firing.Task != nil {
		attempt := state.Attempts[rule.AttemptID]
		if attempt != nil && attempt.State == models.AttemptStateRunning && !attempt.CancelRequested {
			task := firing.Task.Clone()
			task.ID = state.nextID()
			task.AttemptID = attempt.ID
			state.Tasks[task.ID] = task
		}
	}

	if err := sr.store.commit(); err != nil {
		return false, err
	}

	return true, nil
}
