package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// AllChannels lists every supported channel in canonical order.
var AllChannels = []Channel{ChannelInApp, ChannelPush, ChannelSMS, ChannelEmail}

// Valid reports whether c is one of the four supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelPush, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

// Priority ranks how urgently a notification must reach the recipient.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Category groups notifications for preference routing.
type Category string

const (
	CategoryClinicalAlert Category = "clinical_alert"
	CategoryAppointment   Category = "appointment"
	CategoryLabResult     Category = "lab_result"
	CategoryMedication    Category = "medication"
	CategoryMessage       Category = "message"
	CategorySystem        Category = "system"
	CategoryBilling       Category = "billing"
)

// Status is the overall lifecycle state of a notification.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusRead    Status = "read"
)

// DeliveryState tracks a single channel's progress.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySending   DeliveryState = "sending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// Terminal reports whether no further transitions are expected for the state.
func (s DeliveryState) Terminal() bool {
	return s == DeliverySent || s == DeliveryDelivered || s == DeliveryFailed
}

// ChannelDelivery is the per-channel delivery record. The set of keys in a
// notification's Delivery map is always a subset of its Channels slice.
type ChannelDelivery struct {
	State     DeliveryState `json:"state"`
	Error     string        `json:"error,omitempty"`
	Attempt   int           `json:"attempt"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Action is a caller-supplied interactive element rendered by rich channels.
type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

// MetaEscalatedFrom is the metadata key marking a notification created
// by an escalation step. Its value is the original notification's id;
// its presence keeps the copy from arming escalation rules of its own.
const MetaEscalatedFrom = "escalated_from"

// Notification is one logical message to one recipient.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	RecipientID uuid.UUID `json:"recipient_id"`

	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Subtitle string   `json:"subtitle,omitempty"`
	Category Category `json:"category"`
	Priority Priority `json:"priority"`

	Channels []Channel                    `json:"channels"`
	Delivery map[Channel]*ChannelDelivery `json:"delivery"`
	Status   Status                       `json:"status"`

	TemplateID        string            `json:"template_id,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Actions           []Action          `json:"actions,omitempty"`

	GroupKey string `json:"group_key,omitempty"`
	DedupKey string `json:"dedup_key,omitempty"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
	DismissedAt  *time.Time `json:"dismissed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the notification's expiry has passed.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// ChannelPrefs controls one channel for one user.
type ChannelPrefs struct {
	Enabled bool       `json:"enabled"`
	Allow   []Category `json:"allow,omitempty"`
	Deny    []Category `json:"deny,omitempty"`
}

// CategoryPrefs controls one category for one user.
type CategoryPrefs struct {
	Enabled  bool      `json:"enabled"`
	Channels []Channel `json:"channels,omitempty"`
	Priority *Priority `json:"priority,omitempty"`
}

// QuietHours is a per-user suppression window evaluated in the user's
// timezone. Start and End are 24-hour "HH:mm" strings; Days are weekdays
// 0 (Sunday) through 6.
type QuietHours struct {
	Enabled       bool   `json:"enabled"`
	Start         string `json:"start"`
	End           string `json:"end"`
	Timezone      string `json:"timezone"`
	Days          []int  `json:"days"`
	AllowCritical bool   `json:"allow_critical"`
}

// Preferences is the per (user, tenant) notification settings record.
// If Enabled is false the effective channel set for any notification is
// empty, overriding every other field.
type Preferences struct {
	UserID      uuid.UUID  `json:"user_id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	Enabled     bool       `json:"enabled"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`

	Channels   map[Channel]ChannelPrefs   `json:"channels,omitempty"`
	Categories map[Category]CategoryPrefs `json:"categories,omitempty"`
	QuietHours QuietHours                 `json:"quiet_hours"`

	DigestEnabled         bool `json:"digest_enabled"`
	DigestIntervalMinutes int  `json:"digest_interval_minutes,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// StepAction is what an escalation step does when it fires.
type StepAction string

const (
	ActionResend           StepAction = "resend"
	ActionAddChannel       StepAction = "add_channel"
	ActionNotifySupervisor StepAction = "notify_supervisor"
	ActionPage             StepAction = "page"
)

func (a StepAction) Valid() bool {
	switch a {
	case ActionResend, ActionAddChannel, ActionNotifySupervisor, ActionPage:
		return true
	}
	return false
}

// EscalationStep fires DelayMinutes after notification creation (absolute
// offset, not relative to the previous step).
type EscalationStep struct {
	Order              int         `json:"order"`
	DelayMinutes       int         `json:"delay_minutes"`
	Action             StepAction  `json:"action"`
	Channels           []Channel   `json:"channels,omitempty"`
	Recipients         []uuid.UUID `json:"recipients,omitempty"`
	Roles              []string    `json:"roles,omitempty"`
	UnreadAfterMinutes int         `json:"unread_after_minutes,omitempty"`
}

// EscalationRule is a tenant-scoped policy matching notifications by
// category, priority, and metadata equality.
type EscalationRule struct {
	ID         uuid.UUID         `json:"id"`
	TenantID   uuid.UUID         `json:"tenant_id"`
	Name       string            `json:"name"`
	Enabled    bool              `json:"enabled"`
	Categories []Category        `json:"categories,omitempty"`
	Priorities []Priority        `json:"priorities,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Steps      []EscalationStep  `json:"steps"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// BatchStatus is the lifecycle state of a fan-out job.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// BatchError records one recipient's failure inside a batch.
type BatchError struct {
	RecipientID    uuid.UUID  `json:"recipient_id"`
	NotificationID *uuid.UUID `json:"notification_id,omitempty"`
	Error          string     `json:"error"`
}

// Batch tracks one logical notification fanned out to many recipients.
// Invariant: Successful + Failed equals recipients processed so far, and
// Progress is monotonically non-decreasing.
type Batch struct {
	ID              uuid.UUID    `json:"id"`
	TenantID        uuid.UUID    `json:"tenant_id"`
	RecipientIDs    []uuid.UUID  `json:"recipient_ids"`
	NotificationIDs []uuid.UUID  `json:"notification_ids"`
	Status          BatchStatus  `json:"status"`
	Progress        int          `json:"progress"`
	Successful      int          `json:"successful"`
	Failed          int          `json:"failed"`
	Errors          []BatchError `json:"errors,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// JobKind distinguishes durable scheduled work.
type JobKind string

const (
	JobDeliver        JobKind = "deliver"
	JobEscalationStep JobKind = "escalation_step"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// ScheduledJob is one durable fire-at entry. Deferred deliveries and
// escalation steps both ride this table so a restart loses nothing.
type ScheduledJob struct {
	ID             uuid.UUID       `json:"id"`
	Kind           JobKind         `json:"kind"`
	NotificationID uuid.UUID       `json:"notification_id"`
	FireAt         time.Time       `json:"fire_at"`
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	LastError      *string         `json:"last_error,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PushEndpoint is one registered device endpoint for the push channel.
type PushEndpoint struct {
	ARN      string `json:"arn"`
	Platform string `json:"platform"`
}

// Contact holds a user's verified destinations per tenant.
type Contact struct {
	UserID        uuid.UUID      `json:"user_id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	Email         *string        `json:"email,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	Phone         *string        `json:"phone,omitempty"`
	PhoneVerified bool           `json:"phone_verified"`
	PushEndpoints []PushEndpoint `json:"push_endpoints,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EventType is an analytics event kind.
type EventType string

const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventOpened    EventType = "opened"
	EventClicked   EventType = "clicked"
	EventDismissed EventType = "dismissed"
	EventActioned  EventType = "actioned"
	EventFailed    EventType = "failed"
)

// AnalyticsEvent is one recorded delivery/engagement event.
type AnalyticsEvent struct {
	ID             uuid.UUID `json:"id"`
	NotificationID uuid.UUID `json:"notification_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	RecipientID    uuid.UUID `json:"recipient_id"`
	Event          EventType `json:"event"`
	Channel        Channel   `json:"channel,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// DefaultPreferences returns the effective settings for a user with no
// stored row: everything enabled, quiet hours off.
func DefaultPreferences(userID, tenantID uuid.UUID) *Preferences {
	return &Preferences{
		UserID:   userID,
		TenantID: tenantID,
		Enabled:  true,
		QuietHours: QuietHours{
			Enabled: false,
		},
	}
}
