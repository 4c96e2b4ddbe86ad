package registry

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status represents the stored lifecycle stage of a license.
type Status string

const (
	StatusTrial    Status = "trial"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ReminderKind names one of the at-most-once trial reminder guards.
type ReminderKind string

const (
	ReminderDay3       ReminderKind = "day3"
	ReminderPostExpiry ReminderKind = "post_expiry"
)

// License is one issued license key and everything bound to it.
type License struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Email  string `json:"email"`
	Status Status `json:"status"`

	TrialStartedAt time.Time `json:"trial_started_at"`
	TrialEndsAt    time.Time `json:"trial_ends_at"`

	BoundDeviceID   string     `json:"bound_device_id,omitempty"`
	DeviceBoundAt   *time.Time `json:"device_bound_at,omitempty"`
	LastDeviceReset *time.Time `json:"last_device_reset,omitempty"`

	Platform    string          `json:"platform,omitempty"`
	AppVersion  string          `json:"app_version,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`

	PaymentSessionID      string            `json:"payment_session_id,omitempty"`
	PaymentCustomerID     string            `json:"payment_customer_id,omitempty"`
	PaymentSubscriptionID string            `json:"payment_subscription_id,omitempty"`
	SubscriptionStartedAt *time.Time        `json:"subscription_started_at,omitempty"`
	SubscriptionState     SubscriptionState `json:"subscription_state,omitempty"`
	SubscriptionEventAt   *time.Time        `json:"subscription_event_at,omitempty"`
	DeactivatedAt         *time.Time        `json:"deactivated_at,omitempty"`

	ReminderDay3Sent         bool       `json:"reminder_day3_sent"`
	ReminderDay3SentAt       *time.Time `json:"reminder_day3_sent_at,omitempty"`
	ReminderPostExpirySent   bool       `json:"reminder_post_expiry_sent"`
	ReminderPostExpirySentAt *time.Time `json:"reminder_post_expiry_sent_at,omitempty"`
	UpdateNudgeSentAt        *time.Time `json:"update_nudge_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrialExpired reports whether a trial license is past its end date at now.
func (l *License) TrialExpired(now time.Time) bool {
	return l.Status == StatusTrial && !now.Before(l.TrialEndsAt)
}

// Entitled reports whether the license currently grants use of the app.
// An unexpired trial counts as entitled.
func (l *License) Entitled(now time.Time) bool {
	switch l.Status {
	case StatusActive:
		return true
	case StatusTrial:
		return now.Before(l.TrialEndsAt)
	default:
		return false
	}
}

// PaymentRefs correlates a license with the payment provider's objects.
type PaymentRefs struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	// SessionCreatedAt seeds the subscription event watermark. Subscription
	// events older than the checkout that created the subscription are stale.
	SessionCreatedAt time.Time
}

// SubscriptionChange is one conditional subscription state update. It applies
// only while the stored state still equals From and EventAt is not older than
// the last applied subscription event.
type SubscriptionChange struct {
	SubscriptionID string
	From           SubscriptionState
	To             SubscriptionState
	EventAt        time.Time
}

// GenerateRecordID returns a new sortable record identifier.
func GenerateRecordID() string {
	return ulid.Make().String()
}
