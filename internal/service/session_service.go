package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"delivery-guard/internal/models"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/security"
	"delivery-guard/internal/util"
)

// SessionManager opens validation sessions after OTP success and checks
// them on every later use. Only token digests are stored.
type SessionManager struct {
	sessions repository.SessionRepository
	policy   policy.Policy
	now      func() time.Time
}

func NewSessionManager(sessions repository.SessionRepository, p policy.Policy, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{sessions: sessions, policy: p, now: now}
}

// Open persists a new session and returns it with the raw token, which is
// never available again.
func (m *SessionManager) Open(ctx context.Context, qr *models.DeliveryQRToken, challenge *models.OTPChallenge, rc models.RequestContext) (*models.ValidationSession, string, error) {
	raw, err := security.CreateSessionToken()
	if err != nil {
		return nil, "", err
	}

	now := m.now().UTC()
	fingerprint := security.BuildDeviceFingerprint(security.DeviceInfo{IP: rc.IP, UserAgent: rc.UserAgent, Device: rc.Device})

	session := &models.ValidationSession{
		ID:                uuid.NewString(),
		QRID:              qr.ID,
		ChallengeID:       challenge.ID,
		TokenHash:         security.HashSessionToken(raw),
		OTPVerified:       true,
		IP:                rc.IP,
		UserAgent:         rc.UserAgent,
		DeviceFingerprint: fingerprint,
		Geo:               rc.Geo,
		OpenedAt:          now,
		ExpiresAt:         m.policy.SessionExpiry(now, qr.ExpiresAt),
		Metadata: map[string]string{
			"device_fingerprint": fingerprint,
			"channel":            string(challenge.Channel),
		},
	}
	if rc.Device != "" {
		session.Metadata["device"] = rc.Device
	}

	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, "", fmt.Errorf("failed to create validation session: %w", err)
	}

	util.Info("Validation session opened",
		util.String("session_id", session.ID),
		util.String("qr_id", qr.ID),
		util.Time("expires_at", session.ExpiresAt))

	return session, raw, nil
}

// Authorize checks that the presented session belongs to qrID, matches the
// stored digest, is unconsumed and still within its lifetime.
func (m *SessionManager) Authorize(ctx context.Context, qrID, sessionID, rawToken string) (*models.ValidationSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || rawToken == "" {
		return nil, validationError("session_id y session_token son obligatorios")
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, MsgInvalidSession)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session.QRID != qrID || !security.SessionTokenMatches(rawToken, session.TokenHash) || !session.OTPVerified {
		return nil, newError(ErrNotFound, MsgInvalidSession)
	}
	if session.ConsumedAt != nil {
		return nil, newError(ErrConflict, MsgSessionUsed)
	}
	if session.IsExpired(m.now()) {
		return nil, newError(ErrGone, MsgSessionExpired)
	}
	return session, nil
}

// Consume marks the session used. It reports false if another call consumed it first.
func (m *SessionManager) Consume(ctx context.Context, sessionID string) (bool, error) {
	applied, err := m.sessions.ConsumeSession(ctx, sessionID, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to consume session: %w", err)
	}
	return applied, nil
}
