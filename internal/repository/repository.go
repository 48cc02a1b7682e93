// Package repository declares the storage contracts of the delivery core.
// The scylla and memory packages implement them.
package repository

import (
	"context"
	"errors"
	"time"

	"delivery-guard/internal/models"
)

var ErrNotFound = errors.New("record not found")

type QRTokenRepository interface {
	CreateQRToken(ctx context.Context, qr *models.DeliveryQRToken) error
	GetQRToken(ctx context.Context, qrID string) (*models.DeliveryQRToken, error)
	// TransitionQRStatus moves the token from one status to another only if
	// it is still in from. applied is false when another writer got there first.
	TransitionQRStatus(ctx context.Context, qrID string, from, to models.QRStatus, reason string, at time.Time) (applied bool, err error)
	ListQRTokensIssuedBetween(ctx context.Context, from, to time.Time) ([]*models.DeliveryQRToken, error)
}

type ChallengeRepository interface {
	CreateChallenge(ctx context.Context, c *models.OTPChallenge) error
	// GetChallenge resolves a challenge only through the QR that owns it.
	GetChallenge(ctx context.Context, qrID, challengeID string) (*models.OTPChallenge, error)
	DeleteChallenge(ctx context.Context, qrID, challengeID string) error
	// RecordFailedAttempt sets attempts to expectedAttempts+1 if the row still
	// has expectedAttempts and is not verified.
	RecordFailedAttempt(ctx context.Context, qrID, challengeID string, expectedAttempts int) (applied bool, err error)
	// MarkVerified stamps verified_at and increments attempts under the same condition.
	MarkVerified(ctx context.Context, qrID, challengeID string, expectedAttempts int, at time.Time) (applied bool, err error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.ValidationSession) error
	GetSession(ctx context.Context, sessionID string) (*models.ValidationSession, error)
	// ConsumeSession sets consumed_at if it is still unset.
	ConsumeSession(ctx context.Context, sessionID string, at time.Time) (applied bool, err error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error
	ListAuditBetween(ctx context.Context, from, to time.Time) ([]*models.AuditLogEntry, error)
}

type TicketRepository interface {
	CreateTicket(ctx context.Context, t *models.ClaimsTicket) error
	DeleteTicket(ctx context.Context, ticketID string) error
	AddAttachment(ctx context.Context, a *models.TicketAttachment) error
	DeleteAttachments(ctx context.Context, ticketID string) error
	ListAttachments(ctx context.Context, ticketID string) ([]*models.TicketAttachment, error)
	AddComment(ctx context.Context, c *models.TicketComment) error
	ListTicketsCreatedBetween(ctx context.Context, ticketType string, from, to time.Time) ([]*models.ClaimsTicket, error)
}

type SnapshotRepository interface {
	GetSnapshot(ctx context.Context, qrID string) (*models.OrderView, error)
	SaveSnapshot(ctx context.Context, qrID string, view *models.OrderView) error
}

// DayRange lists the UTC calendar days (YYYY-MM-DD) touched by [from, to].
func DayRange(from, to time.Time) []string {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return nil
	}
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	var days []string
	for d := start; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format("2006-01-02"))
	}
	return days
}

func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Reservation is one slot taken (or refused) in a sliding window.
type Reservation struct {
	Key        string
	Member     string
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RateLimiter counts requests per key over a sliding window. A slot taken
// by Reserve can be handed back with Release when the request did not happen.
type RateLimiter interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (*Reservation, error)
	Release(ctx context.Context, r *Reservation) error
}
