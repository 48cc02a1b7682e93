package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/util"
)

const (
	insertSession = `INSERT INTO validation_sessions (
		session_id, qr_id, challenge_id, token_hash, otp_verified, ip, user_agent,
		device_fingerprint, geo_lat, geo_lng, geo_accuracy, opened_at, expires_at, consumed_at, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSession = `SELECT session_id, qr_id, challenge_id, token_hash, otp_verified, ip, user_agent,
		device_fingerprint, geo_lat, geo_lng, geo_accuracy, opened_at, expires_at, consumed_at, metadata
		FROM validation_sessions WHERE session_id = ?`

	// otp_verified guards against the update creating a row for an unknown id.
	consumeSession = `UPDATE validation_sessions SET consumed_at = ?
		WHERE session_id = ? IF otp_verified = true AND consumed_at = null`
)

type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{client: client}
}

var _ repository.SessionRepository = (*SessionRepository)(nil)

func (r *SessionRepository) CreateSession(ctx context.Context, s *models.ValidationSession) error {
	query := r.client.Query(ctx, insertSession,
		s.ID, s.QRID, s.ChallengeID, s.TokenHash, s.OTPVerified, s.IP, s.UserAgent,
		s.DeviceFingerprint, s.Geo.Lat, s.Geo.Lng, s.Geo.Accuracy, s.OpenedAt, s.ExpiresAt, s.ConsumedAt, s.Metadata)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create validation session",
			util.String("session_id", s.ID),
			util.String("qr_id", s.QRID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create validation session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*models.ValidationSession, error) {
	var s models.ValidationSession
	err := r.client.ScanWithRetry(r.client.Query(ctx, selectSession, sessionID),
		&s.ID, &s.QRID, &s.ChallengeID, &s.TokenHash, &s.OTPVerified, &s.IP, &s.UserAgent,
		&s.DeviceFingerprint, &s.Geo.Lat, &s.Geo.Lng, &s.Geo.Accuracy, &s.OpenedAt, &s.ExpiresAt, &s.ConsumedAt, &s.Metadata)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get validation session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepository) ConsumeSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	applied, err := r.client.applyCAS(r.client.Query(ctx, consumeSession, at, sessionID))
	if err != nil {
		return false, fmt.Errorf("failed to consume validation session: %w", err)
	}
	return applied, nil
}
