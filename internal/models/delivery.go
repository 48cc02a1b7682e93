package models

import "time"

// QRStatus is the lifecycle state of a delivery QR token.
type QRStatus string

const (
	QRStatusPending               QRStatus = "pendiente"
	QRStatusConfirmed             QRStatus = "confirmado"
	QRStatusConfirmedWithIncident QRStatus = "confirmado_con_incidente"
	QRStatusRejected              QRStatus = "rechazado"
	QRStatusExpired               QRStatus = "expirado"
)

// AllQRStatuses lists every status in report order.
var AllQRStatuses = []QRStatus{
	QRStatusPending,
	QRStatusConfirmed,
	QRStatusConfirmedWithIncident,
	QRStatusRejected,
	QRStatusExpired,
}

// IsTerminal reports whether no further transition is allowed from s.
func (s QRStatus) IsTerminal() bool {
	switch s {
	case QRStatusConfirmed, QRStatusConfirmedWithIncident, QRStatusRejected, QRStatusExpired:
		return true
	}
	return false
}

// DeliveryQRToken is one proof-of-delivery attempt for one order. The raw
// bearer token is never stored, only its fingerprint.
type DeliveryQRToken struct {
	ID               string     `json:"id" db:"qr_id"`
	TokenFingerprint string     `json:"-" db:"token_fingerprint"`
	OrderID          string     `json:"order_id" db:"order_id"`
	WarehouseID      string     `json:"warehouse_id" db:"warehouse_id"`
	BatchID          string     `json:"batch_id" db:"batch_id"`
	TransporterID    string     `json:"transporter_id,omitempty" db:"transporter_id"`
	Status           QRStatus   `json:"status" db:"status"`
	StatusReason     string     `json:"status_reason,omitempty" db:"status_reason"`
	IssuedAt         time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at" db:"expires_at"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// IsExpired compares wall-clock time against ExpiresAt.
func (q *DeliveryQRToken) IsExpired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// EffectiveStatus recomputes expiry for tokens that were never touched
// after their deadline and therefore still read "pendiente" in storage.
func (q *DeliveryQRToken) EffectiveStatus(now time.Time) QRStatus {
	if q.Status == QRStatusPending && q.IsExpired(now) {
		return QRStatusExpired
	}
	return q.Status
}

type OTPChannel string

const (
	ChannelSMS      OTPChannel = "sms"
	ChannelWhatsApp OTPChannel = "whatsapp"
)

func (c OTPChannel) Valid() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

// EncryptedField is an envelope-encrypted value as produced by the encryption manager.
type EncryptedField struct {
	Value string `json:"-" db:"value"`
	DEK   string `json:"-" db:"dek"`
	KeyID string `json:"-" db:"key_id"`
}

// GeoPoint is an optional client-reported location.
type GeoPoint struct {
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// RequestContext is the provenance captured for every security-relevant call.
type RequestContext struct {
	RequestID string
	IP        string
	UserAgent string
	Device    string
	Geo       GeoPoint
}

// OTPChallenge is one verification attempt bound to one QR token and one destination.
type OTPChallenge struct {
	ID                   string         `json:"id" db:"challenge_id"`
	QRID                 string         `json:"qr_id" db:"qr_id"`
	Channel              OTPChannel     `json:"channel" db:"channel"`
	DestinationHash      string         `json:"-" db:"destination_hash"`
	DestinationMasked    string         `json:"destination_masked" db:"destination_masked"`
	DestinationEncrypted EncryptedField `json:"-"`
	CodeHash             string         `json:"-" db:"code_hash"`
	CodeSalt             string         `json:"-" db:"code_salt"`
	PepperVersion        int            `json:"-" db:"pepper_version"`
	Attempts             int            `json:"attempts" db:"attempts"`
	MaxAttempts          int            `json:"max_attempts" db:"max_attempts"`
	Nonce                string         `json:"-" db:"nonce"`
	RequestedAt          time.Time      `json:"requested_at" db:"requested_at"`
	ExpiresAt            time.Time      `json:"expires_at" db:"expires_at"`
	VerifiedAt           *time.Time     `json:"verified_at,omitempty" db:"verified_at"`
	RequestIP            string         `json:"-" db:"request_ip"`
	UserAgent            string         `json:"-" db:"user_agent"`
	DeviceFingerprint    string         `json:"-" db:"device_fingerprint"`
	Geo                  GeoPoint       `json:"-"`
}

func (c *OTPChallenge) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *OTPChallenge) IsVerified() bool {
	return c.VerifiedAt != nil
}

func (c *OTPChallenge) IsLocked() bool {
	return c.Attempts >= c.MaxAttempts
}

// ValidationSession authorizes viewing and confirming one delivery after OTP success.
type ValidationSession struct {
	ID                string            `json:"id" db:"session_id"`
	QRID              string            `json:"qr_id" db:"qr_id"`
	ChallengeID       string            `json:"challenge_id" db:"challenge_id"`
	TokenHash         string            `json:"-" db:"token_hash"`
	OTPVerified       bool              `json:"otp_verified" db:"otp_verified"`
	IP                string            `json:"-" db:"ip"`
	UserAgent         string            `json:"-" db:"user_agent"`
	DeviceFingerprint string            `json:"-" db:"device_fingerprint"`
	Geo               GeoPoint          `json:"-"`
	OpenedAt          time.Time         `json:"opened_at" db:"opened_at"`
	ExpiresAt         time.Time         `json:"expires_at" db:"expires_at"`
	ConsumedAt        *time.Time        `json:"consumed_at,omitempty" db:"consumed_at"`
	Metadata          map[string]string `json:"metadata,omitempty" db:"metadata"`
}

func (s *ValidationSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
