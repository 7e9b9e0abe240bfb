package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationRequest is one crisis or connection-needed event raised by a
// subject. Immutable once created; closed when its CrisisAlert terminates.
type NotificationRequest struct {
	ID            uuid.UUID `json:"id"`
	SubjectUserID uuid.UUID `json:"subject_user_id"`
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	CustomMessage *string   `json:"custom_message,omitempty"`
	Location      *string   `json:"location,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Request kinds
const (
	KindCrisis         = "crisis"
	KindNeedConnection = "need_connection"
)

// Recipient is a (request, responder) pairing produced by tier fan-out.
// Rows are created at fan-out time and never mutated, only superseded by
// new tiers on escalation.
type Recipient struct {
	ID            uuid.UUID `json:"id"`
	RequestID     uuid.UUID `json:"request_id"`
	ResponderID   uuid.UUID `json:"responder_id"`
	Tier          int       `json:"tier"`
	Channel       string    `json:"channel"`
	Contact       string    `json:"contact"`
	PriorityOrder int       `json:"priority_order"`
	ScheduledFor  time.Time `json:"scheduled_for"`
	CreatedAt     time.Time `json:"created_at"`
}

// Channel constants
const (
	ChannelPush  = "push"
	ChannelSMS   = "sms"
	ChannelEmail = "email"
	ChannelInApp = "inapp"
)

// CrisisAlert is the escalation aggregate for a request.
type CrisisAlert struct {
	ID               uuid.UUID  `json:"id"`
	RequestID        uuid.UUID  `json:"request_id"`
	Severity         string     `json:"severity"`
	Status           string     `json:"status"`
	Tier             int        `json:"tier"`
	ResponderCount   int        `json:"responder_count"`
	FirstResponderID *uuid.UUID `json:"first_responder_id,omitempty"`
	EscalationLevel  int        `json:"escalation_level"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Alert status constants. Status only moves forward, except that
// escalated -> acknowledged is allowed (a late response still counts).
const (
	AlertScheduled    = "scheduled"
	AlertSent         = "sent"
	AlertAcknowledged = "acknowledged"
	AlertEscalated    = "escalated"
	AlertResolved     = "resolved"
	AlertCancelled    = "cancelled"
)

// Severity constants
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// QueueItem is one scheduled delivery attempt in the notification queue.
// Payload carries the channel-specific contact and message, composed at
// fan-out time; the item ID doubles as the sender idempotency key.
type QueueItem struct {
	ID           uuid.UUID       `json:"id"`
	RequestID    uuid.UUID       `json:"request_id"`
	RecipientID  uuid.UUID       `json:"recipient_id"`
	ResponderID  uuid.UUID       `json:"responder_id"`
	Channel      string          `json:"channel"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	LastError    *string         `json:"last_error,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Queue item status constants
const (
	ItemQueued     = "queued"
	ItemProcessing = "processing"
	ItemSent       = "sent"
	ItemFailed     = "failed"
	ItemCancelled  = "cancelled"
)

// SupporterResponse is one action taken by a responder against a crisis
// alert. At most one response per (alert, responder) is active; a responder
// re-submitting supersedes their own prior row.
type SupporterResponse struct {
	ID                 uuid.UUID `json:"id"`
	CrisisAlertID      uuid.UUID `json:"crisis_alert_id"`
	ResponderID        uuid.UUID `json:"responder_id"`
	ResponseType       string    `json:"response_type"`
	CoordinationStatus string    `json:"coordination_status"`
	RespondedAt        time.Time `json:"responded_at"`
}

// Response type constants
const (
	ResponseAcknowledged = "acknowledged"
	ResponseMadeContact  = "made_contact"
	ResponseNeedsHelp    = "needs_help"
	ResponseCall911      = "call_911"
	ResponseUnavailable  = "unavailable"
)

// Coordination status constants
const (
	CoordinationActive     = "active"
	CoordinationSuperseded = "superseded"
)

// DeliveryEvent is one entry in the append-only delivery log. The tracker
// never deletes history; the latest-status view is derived from these rows.
type DeliveryEvent struct {
	ID           uuid.UUID `json:"id"`
	RequestID    uuid.UUID `json:"request_id"`
	ResponderID  uuid.UUID `json:"responder_id"`
	Kind         string    `json:"kind"`
	DeliveryID   *string   `json:"delivery_id,omitempty"`
	ConnectionID *string   `json:"connection_id,omitempty"`
	Reason       *string   `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Delivery event kinds
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryAcked     = "acked"
	DeliveryFailed    = "failed"
)

// EscalationLogEntry records one tier transition for audit.
type EscalationLogEntry struct {
	ID            uuid.UUID `json:"id"`
	CrisisAlertID uuid.UUID `json:"crisis_alert_id"`
	FromTier      int       `json:"from_tier"`
	ToTier        int       `json:"to_tier"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// Escalation reasons
const (
	EscalationTimeout   = "timeout"
	EscalationExhausted = "delivery_exhausted"
)

// ValidSeverity reports whether s is a known severity class.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ValidResponseType reports whether t is a known supporter response type.
func ValidResponseType(t string) bool {
	switch t {
	case ResponseAcknowledged, ResponseMadeContact, ResponseNeedsHelp, ResponseCall911, ResponseUnavailable:
		return true
	}
	return false
}

// TerminalAlertStatus reports whether the alert can no longer change state.
func TerminalAlertStatus(status string) bool {
	return status == AlertResolved || status == AlertCancelled
}
