package file

import (
	"context"
	"sort"

	"github.com/dukex/flowkeeper/pkg/models"
	"github.com/dukex/flowkeeper/pkg/persistence"
)

// SessionRepository handles sessions and attempts.
type SessionRepository struct {
	store *Persistence
}

func (sr *SessionRepository) CreateSession(_ context.Context, session *models.Session) (*models.Session, bool, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	key := session.Key()

	for _, existing := range sr.store.state.Sessions {
		if existing.Key().Equal(key) {
			copied := *existing

			return &copied, false, nil
		}
	}

	stored := *session
	stored.ID = sr.store.state.nextID()
	stored.SessionTime = session.SessionTime.UTC()
	sr.store.state.Sessions[stored.ID] = &stored

	if err := sr.store.commit(); err != nil {
		return nil, false, err
	}

	copied := stored

	return &copied, true, nil
}

func (sr *SessionRepository) SessionByID(_ context.Context, id int64) (*models.Session, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	session, exists := sr.store.state.Sessions[id]
	if !exists {
		return nil, persistence.NewSessionError("SessionByID", id, persistence.ErrSessionNotFound)
	}

	copied := *session

	return &copied, nil
}

func (sr *SessionRepository) OpenAttempt(
	_ context.Context,
	sessionID int64,
	options models.AttemptOptions,
	tasks []*models.Task,
	rules []*models.SLARule,
) (*models.Attempt, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	state := sr.store.state

	session, exists := state.Sessions[sessionID]
	if !exists {
		return nil, persistence.NewSessionError("OpenAttempt", sessionID, persistence.ErrSessionNotFound)
	}

	index := 0

	for _, attempt := range state.Attempts {
		if attempt.SessionID != sessionID {
			continue
		}

		if !attempt.State.IsTerminal() {
			return nil, persistence.NewSessionError("OpenAttempt", sessionID, persistence.ErrAttemptConflict)
		}

		if attempt.Index > index {
			index = attempt.Index
		}
	}

	attempt := &models.Attempt{
		ID:               state.nextID(),
		SessionID:        sessionID,
		Index:            index + 1,
		RetryAttemptName: options.RetryAttemptName,
		State:            models.AttemptStateRunning,
		Params:           options.Params,
		ProjectID:        session.ProjectID,
		ProjectName:      session.ProjectName,
		WorkflowName:     session.WorkflowName,
		SessionTime:      session.SessionTime,
		TimeZone:         session.TimeZone,
		StartedAt:        options.StartedAt.UTC(),
	}
	state.Attempts[attempt.ID] = attempt

	for _, task := range tasks {
		stored := task.Clone()
		stored.ID = state.nextID()
		stored.AttemptID = attempt.ID
		state.Tasks[stored.ID] = stored
	}

	for _, rule := range rules {
		stored := rule.Clone()
		stored.ID = state.nextID()
		stored.AttemptID = attempt.ID
		state.Rules[stored.ID] = stored
	}

	if err := sr.store.commit(); err != nil {
		return nil, err
	}

	return attempt.Clone(), nil
}

func (sr *SessionRepository) AttemptByID(_ context.Context, id int64) (*models.Attempt, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	attempt, exists := sr.store.state.Attempts[id]
	if !exists {
		return nil, persistence.NewAttemptError("AttemptByID", id, persistence.ErrAttemptNotFound)
	}

	return attempt.Clone(), nil
}

// AttemptsBySession returns the attempts of a session, oldest first.
func (sr *SessionRepository) AttemptsBySession(_ context.Context, sessionID int64) ([]*models.Attempt, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	return sr.filterAttempts(func(a *models.Attempt) bool { return a.SessionID == sessionID }), nil
}

func (sr *SessionRepository) RunningAttempts(_ context.Context) ([]*models.Attempt, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	return sr.filterAttempts(func(a *models.Attempt) bool { return a.State == models.AttemptStateRunning }), nil
}

func (sr *SessionRepository) filterAttempts(keep func(*models.Attempt) bool) []*models.Attempt {
	attempts := make([]*models.Attempt, 0)

	for _, attempt := range sr.store.state.Attempts {
		if keep(attempt) {
			attempts = append(attempts, attempt.Clone())
		}
	}

	sort.Slice(attempts, func(i, j int) bool { return attempts[i].ID < attempts[j].ID })

	return attempts
}
