package models

import "time"

type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorSystem   ActorType = "system"
	ActorAdmin    ActorType = "admin"
)

// Audit actions written by the delivery core.
const (
	ActionQRIssued                = "qr_issued"
	ActionQRExpired               = "qr_expired"
	ActionOTPRequested            = "otp_requested"
	ActionOTPInvalidAttempt       = "otp_invalid_attempt"
	ActionOTPVerifiedSession      = "otp_verified_session_opened"
	ActionDeliveryConfirmed       = "delivery_confirmed"
	ActionDeliveryConfirmedDefect = "delivery_confirmed_with_incident"
	ActionDeliveryRejected        = "delivery_rejected"
	ActionClaimCreated            = "claim_ticket_created"
	ActionReportExported          = "report_exported"
)

// Audited entity types.
const (
	EntityDeliveryQR   = "delivery_qr"
	EntityOTPChallenge = "otp_challenge"
	EntitySession      = "validation_session"
	EntityTicket       = "support_ticket"
	EntityReport       = "report"
)

// AuditLogEntry is an immutable fact about a security-relevant action.
type AuditLogEntry struct {
	ID         string            `json:"id" db:"audit_id"`
	Bucket     int               `json:"-" db:"event_bucket"`
	Day        string            `json:"day" db:"event_day"`
	EntityType string            `json:"entity_type" db:"entity_type"`
	EntityID   string            `json:"entity_id" db:"entity_id"`
	Action     string            `json:"action" db:"action"`
	ActorType  ActorType         `json:"actor_type" db:"actor_type"`
	ActorID    string            `json:"actor_id,omitempty" db:"actor_id"`
	RequestID  string            `json:"request_id,omitempty" db:"request_id"`
	IP         string            `json:"ip,omitempty" db:"ip"`
	DeviceInfo string            `json:"device_info,omitempty" db:"device_info"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}
