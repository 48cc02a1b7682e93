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
	insertChallenge = `INSERT INTO otp_challenges (
		qr_id, challenge_id, channel, destination_hash, destination_masked,
		destination_encrypted, destination_dek, destination_key_id,
		code_hash, code_salt, pepper_version, attempts, max_attempts, nonce,
		requested_at, expires_at, verified_at, request_ip, user_agent, device_fingerprint,
		geo_lat, geo_lng, geo_accuracy
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectChallenge = `SELECT qr_id, challenge_id, channel, destination_hash, destination_masked,
		destination_encrypted, destination_dek, destination_key_id,
		code_hash, code_salt, pepper_version, attempts, max_attempts, nonce,
		requested_at, expires_at, verified_at, request_ip, user_agent, device_fingerprint,
		geo_lat, geo_lng, geo_accuracy
		FROM otp_challenges WHERE qr_id = ? AND challenge_id = ?`

	deleteChallenge = `DELETE FROM otp_challenges WHERE qr_id = ? AND challenge_id = ?`

	// A missing row has attempts = null, so neither update can create one.
	recordFailedAttempt = `UPDATE otp_challenges SET attempts = ?
		WHERE qr_id = ? AND challenge_id = ? IF attempts = ? AND verified_at = null`

	markChallengeVerified = `UPDATE otp_challenges SET attempts = ?, verified_at = ?
		WHERE qr_id = ? AND challenge_id = ? IF attempts = ? AND verified_at = null`
)

// ChallengeRepository partitions challenges by their QR so every lookup
// carries the ownership check in its key.
type ChallengeRepository struct {
	client *ScyllaClient
}

func NewChallengeRepository(client *ScyllaClient) *ChallengeRepository {
	return &ChallengeRepository{client: client}
}

var _ repository.ChallengeRepository = (*ChallengeRepository)(nil)

func (r *ChallengeRepository) CreateChallenge(ctx context.Context, c *models.OTPChallenge) error {
	query := r.client.Query(ctx, insertChallenge,
		c.QRID, c.ID, string(c.Channel), c.DestinationHash, c.DestinationMasked,
		c.DestinationEncrypted.Value, c.DestinationEncrypted.DEK, c.DestinationEncrypted.KeyID,
		c.CodeHash, c.CodeSalt, c.PepperVersion, c.Attempts, c.MaxAttempts, c.Nonce,
		c.RequestedAt, c.ExpiresAt, c.VerifiedAt, c.RequestIP, c.UserAgent, c.DeviceFingerprint,
		c.Geo.Lat, c.Geo.Lng, c.Geo.Accuracy)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP challenge",
			util.String("qr_id", c.QRID),
			util.String("challenge_id", c.ID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create otp challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepository) GetChallenge(ctx context.Context, qrID, challengeID string) (*models.OTPChallenge, error) {
	var (
		c       models.OTPChallenge
		channel string
	)
	err := r.client.ScanWithRetry(r.client.Query(ctx, selectChallenge, qrID, challengeID),
		&c.QRID, &c.ID, &channel, &c.DestinationHash, &c.DestinationMasked,
		&c.DestinationEncrypted.Value, &c.DestinationEncrypted.DEK, &c.DestinationEncrypted.KeyID,
		&c.CodeHash, &c.CodeSalt, &c.PepperVersion, &c.Attempts, &c.MaxAttempts, &c.Nonce,
		&c.RequestedAt, &c.ExpiresAt, &c.VerifiedAt, &c.RequestIP, &c.UserAgent, &c.DeviceFingerprint,
		&c.Geo.Lat, &c.Geo.Lng, &c.Geo.Accuracy)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get otp challenge: %w", err)
	}
	c.Channel = models.OTPChannel(channel)
	return &c, nil
}

func (r *ChallengeRepository) DeleteChallenge(ctx context.Context, qrID, challengeID string) error {
	if err := r.client.ExecuteWithRetry(r.client.Query(ctx, deleteChallenge, qrID, challengeID), 2); err != nil {
		return fmt.Errorf("failed to delete otp challenge: %w", err)
	}
	return nil
}

func (r *ChallengeRepository) RecordFailedAttempt(ctx context.Context, qrID, challengeID string, expectedAttempts int) (bool, error) {
	applied, err := r.client.applyCAS(r.client.Query(ctx, recordFailedAttempt,
		expectedAttempts+1, qrID, challengeID, expectedAttempts))
	if err != nil {
		return false, fmt.Errorf("failed to record otp attempt: %w", err)
	}
	return applied, nil
}

func (r *ChallengeRepository) MarkVerified(ctx context.Context, qrID, challengeID string, expectedAttempts int, at time.Time) (bool, error) {
	applied, err := r.client.applyCAS(r.client.Query(ctx, markChallengeVerified,
		expectedAttempts+1, at, qrID, challengeID, expectedAttempts))
	if err != nil {
		return false, fmt.Errorf("failed to mark otp verified: %w", err)
	}
	return applied, nil
}
