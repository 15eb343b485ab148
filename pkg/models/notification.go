package models

import (
	"strconv"
	"time"
)

// SLAViolationMessage is the message carried by every SLA alert.
const SLAViolationMessage = "SLA violation"

// Notification is the payload delivered to notification channels.
type Notification struct {
	Message      string    `json:"message"`
	AttemptID    int64     `json:"attemptId"`
	WorkflowName string    `json:"workflowName"`
	ProjectName  string    `json:"projectName"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    int64     `json:"sessionId"`
	SessionTime  time.Time `json:"sessionTime"`
	TaskName     string    `json:"taskName,omitempty"`
	RuleID       int64     `json:"ruleId"`
	TimeZone     string    `json:"timeZone,omitempty"`
}

// DedupeKey identifies a notification across redeliveries.
func (n Notification) DedupeKey() string {
	return strconv.FormatInt(n.AttemptID, 10) + ":" + strconv.FormatInt(n.RuleID, 10)
}

// NewSLAViolation builds the alert for a fired rule.
func NewSLAViolation(attempt *Attempt, rule *SLARule, at time.Time) Notification {
	return Notification{
		Message:      SLAViolationMessage,
		AttemptID:    attempt.ID,
		WorkflowName: attempt.WorkflowName,
		ProjectName:  attempt.ProjectName,
		Timestamp:    at.UTC(),
		SessionID:    attempt.SessionID,
		SessionTime:  attempt.SessionTime,
		TaskName:     rule.TaskName,
		RuleID:       rule.ID,
		TimeZone:     rule.TimeZone,
	}
}

// NotificationState tracks delivery of one notification.
type NotificationState string

const (
	NotificationPending   NotificationState = "PENDING"
	NotificationDelivered NotificationState = "DELIVERED"
	NotificationFailed    NotificationState = "FAILED"
)

// NotificationRecord is one notification and its delivery state. Records read from the
// outbox carry a store ID; ClaimOwner and LeaseExpiresAt are set while a worker delivers it.
type NotificationRecord struct {
	ID             int64             `json:"id,omitempty"`
	Notification   Notification      `json:"notification"`
	State          NotificationState `json:"state"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	ClaimOwner     string            `json:"claim_owner,omitempty"`
	LeaseExpiresAt *time.Time        `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewNotificationRecord is a PENDING outbox row for notification.
func NewNotificationRecord(notification Notification, now time.Time) *NotificationRecord {
	return &NotificationRecord{
		Notification: notification,
		State:        NotificationPending,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// Claimable reports whether a worker may take the record at now.
func (r *NotificationRecord) Claimable(now time.Time) bool {
	return r.State == NotificationPending &&
		(r.ClaimOwner == "" || r.LeaseExpiresAt == nil || !r.LeaseExpiresAt.After(now))
}

// IsClaimedBy reports whether owner still holds the claim. An expired lease stays with its
// owner until another worker claims the record.
func (r *NotificationRecord) IsClaimedBy(owner string) bool {
	return r.State == NotificationPending && owner != "" && r.ClaimOwner == owner
}

// Complete applies a delivery outcome and drops the claim.
func (r *NotificationRecord) Complete(outcome DeliveryOutcome, now time.Time) {
	r.State = outcome.State
	r.Attempts += outcome.Attempts
	r.LastError = outcome.LastError
	r.ClaimOwner = ""
	r.LeaseExpiresAt = nil
	r.UpdatedAt = now.UTC()
}

func (r *NotificationRecord) Clone() *NotificationRecord {
	c := *r
	c.LeaseExpiresAt = cloneTime(r.LeaseExpiresAt)

	return &c
}

// DeliveryOutcome is the result of one delivery run of a notification.
type DeliveryOutcome struct {
	State     NotificationState
	Attempts  int
	LastError string
}
