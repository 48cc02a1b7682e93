package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/encryption"
	"delivery-guard/internal/hashing"
	"delivery-guard/internal/metrics"
	"delivery-guard/internal/models"
	"delivery-guard/internal/notification"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/security"
	"delivery-guard/internal/util"
)

// maxCASRetries bounds how often a verify call re-reads a challenge that a
// concurrent call modified underneath it.
const maxCASRetries = 5

// OrderViewBuilder returns the recipient-facing view of the order behind a QR.
type OrderViewBuilder interface {
	Build(ctx context.Context, qr *models.DeliveryQRToken) (*models.OrderView, error)
}

type OTPRequest struct {
	Token       string
	Channel     string
	Destination string
	Request     models.RequestContext
}

type OTPRequestResult struct {
	ChallengeID string `json:"challenge_id"`
	TTLMinutes  int    `json:"ttl_minutes"`
	DebugOTP    string `json:"debug_otp,omitempty"`
}

type OTPVerifyRequest struct {
	Token       string
	ChallengeID string
	Code        string
	Request     models.RequestContext
}

type OTPVerifyResult struct {
	SessionID    string            `json:"session_id"`
	SessionToken string            `json:"session_token"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Order        *models.OrderView `json:"order"`
}

// OTPService issues and verifies OTP challenges bound to a delivery QR.
type OTPService struct {
	state      *deliveryState
	challenges repository.ChallengeRepository
	limiter    repository.RateLimiter
	hasher     *hashing.Hasher
	encryption *encryption.Manager
	sender     notification.OTPSender
	sessions   *SessionManager
	orders     OrderViewBuilder
	policy     policy.Policy
	testMode   bool
}

func (s *OTPService) RequestOTP(ctx context.Context, req OTPRequest) (*OTPRequestResult, error) {
	channel := models.OTPChannel(strings.ToLower(strings.TrimSpace(req.Channel)))
	destination := util.NormalizePhone(req.Destination)

	switch {
	case strings.TrimSpace(req.Token) == "":
		return nil, validationError("El token es obligatorio")
	case !channel.Valid():
		return nil, validationError("El canal debe ser sms o whatsapp")
	case destination == "":
		return nil, validationError("El destino es obligatorio")
	case !util.IsInternationalPhone(destination):
		return nil, validationError("El número debe estar en formato internacional, por ejemplo +573001234567")
	}

	qr, err := s.state.resolve(ctx, req.Token)
	if err != nil {
		metrics.OTPRequestsTotal.WithLabelValues(string(channel), "invalid_qr").Inc()
		return nil, err
	}
	if err := s.state.admit(ctx, qr, req.Request); err != nil {
		metrics.OTPRequestsTotal.WithLabelValues(string(channel), "not_admitted").Inc()
		return nil, err
	}

	destinationHash := security.HashDestination(destination)
	reservation, err := s.limiter.Reserve(ctx, qr.ID+":"+destinationHash, s.policy.RateLimitMax, s.policy.RateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to check otp rate limit: %w", err)
	}
	if !reservation.Allowed {
		metrics.OTPRequestsTotal.WithLabelValues(string(channel), "rate_limited").Inc()
		util.Warn("OTP request rate limited",
			util.String("qr_id", qr.ID),
			util.String("destination", util.MaskPhone(destination)),
			util.Int("count", reservation.Count))
		return nil, rateLimitError(reservation.RetryAfter)
	}

	// The slot only counts once the code has actually been dispatched.
	dispatched := false
	defer func() {
		if dispatched {
			return
		}
		if err := s.limiter.Release(context.WithoutCancel(ctx), reservation); err != nil {
			util.Error("Failed to release rate limit slot", util.String("qr_id", qr.ID), util.ErrorField(err))
		}
	}()

	challenge, code, err := s.newChallenge(ctx, qr, channel, destination, destinationHash, req.Request)
	if err != nil {
		return nil, err
	}
	if err := s.challenges.CreateChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store otp challenge: %w", err)
	}

	if err := s.sender.SendOTP(ctx, channel, destination, code); err != nil {
		metrics.OTPRequestsTotal.WithLabelValues(string(channel), "send_failed").Inc()
		metrics.NotificationFailuresTotal.WithLabelValues("otp").Inc()
		if derr := s.challenges.DeleteChallenge(context.WithoutCancel(ctx), qr.ID, challenge.ID); derr != nil {
			util.Error("Failed to delete undeliverable challenge",
				util.String("challenge_id", challenge.ID),
				util.ErrorField(derr))
		}
		return nil, wrapError(ErrFatal, MsgOTPSendFailed, err)
	}
	dispatched = true

	s.state.audit.Record(ctx, audit.Event{
		EntityType: models.EntityOTPChallenge,
		EntityID:   challenge.ID,
		Action:     models.ActionOTPRequested,
		ActorType:  models.ActorCustomer,
		Request:    req.Request,
		Metadata: map[string]string{
			"qr_id":       qr.ID,
			"channel":     string(channel),
			"destination": challenge.DestinationMasked,
			"expires_at":  challenge.ExpiresAt.Format(time.RFC3339),
		},
	})
	metrics.OTPRequestsTotal.WithLabelValues(string(channel), "sent").Inc()

	result := &OTPRequestResult{
		ChallengeID: challenge.ID,
		TTLMinutes:  s.policy.ChallengeTTLMinutes(),
	}
	if s.testMode {
		result.DebugOTP = code
	}
	return result, nil
}

func (s *OTPService) newChallenge(ctx context.Context, qr *models.DeliveryQRToken, channel models.OTPChannel, destination, destinationHash string, rc models.RequestContext) (*models.OTPChallenge, string, error) {
	code, err := security.GenerateOTPCode(s.policy.OTPLength)
	if err != nil {
		return nil, "", err
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash otp: %w", err)
	}
	nonce, err := security.CreateDeliveryNonce()
	if err != nil {
		return nil, "", err
	}
	sealed, err := s.encryption.Encrypt(ctx, destination)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt destination: %w", err)
	}

	now := s.state.now().UTC()
	return &models.OTPChallenge{
		ID:                   uuid.NewString(),
		QRID:                 qr.ID,
		Channel:              channel,
		DestinationHash:      destinationHash,
		DestinationMasked:    util.MaskPhone(destination),
		DestinationEncrypted: sealed,
		CodeHash:             hashed.Hash,
		CodeSalt:             hashed.Salt,
		PepperVersion:        hashed.PepperVersion,
		Attempts:             0,
		MaxAttempts:          s.policy.OTPMaxAttempts,
		Nonce:                nonce,
		RequestedAt:          now,
		ExpiresAt:            s.policy.ChallengeExpiry(now),
		RequestIP:            rc.IP,
		UserAgent:            rc.UserAgent,
		DeviceFingerprint:    security.BuildDeviceFingerprint(security.DeviceInfo{IP: rc.IP, UserAgent: rc.UserAgent, Device: rc.Device}),
		Geo:                  rc.Geo,
	}, code, nil
}

func (s *OTPService) VerifyOTP(ctx context.Context, req OTPVerifyRequest) (*OTPVerifyResult, error) {
	code := strings.TrimSpace(req.Code)
	challengeID := strings.TrimSpace(req.ChallengeID)

	switch {
	case strings.TrimSpace(req.Token) == "":
		return nil, validationError("El token es obligatorio")
	case challengeID == "":
		return nil, validationError("challenge_id es obligatorio")
	case code == "":
		return nil, validationError("El código OTP es obligatorio")
	case len(code) > 12:
		return nil, validationError("El código OTP no es válido")
	}

	qr, err := s.state.resolve(ctx, req.Token)
	if err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("invalid_qr").Inc()
		return nil, err
	}
	if err := s.state.admit(ctx, qr, req.Request); err != nil {
		metrics.OTPVerificationsTotal.WithLabelValues("not_admitted").Inc()
		return nil, err
	}

	challenge, err := s.loadChallenge(ctx, qr.ID, challengeID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if err := s.checkChallenge(challenge); err != nil {
			return nil, err
		}

		match, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
			Hash:          challenge.CodeHash,
			Salt:          challenge.CodeSalt,
			PepperVersion: challenge.PepperVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to verify otp hash: %w", err)
		}

		if !match {
			applied, err := s.challenges.RecordFailedAttempt(ctx, qr.ID, challenge.ID, challenge.Attempts)
			if err != nil {
				return nil, fmt.Errorf("failed to record otp attempt: %w", err)
			}
			if !applied {
				if challenge, err = s.loadChallenge(ctx, qr.ID, challengeID); err != nil {
					return nil, err
				}
				continue
			}
			return nil, s.rejectCode(ctx, qr, challenge, req.Request)
		}

		// Built before the challenge is consumed so an unavailable order does not burn the code.
		view, err := s.orders.Build(ctx, qr)
		if err != nil || view == nil {
			util.Error("Order view unavailable",
				util.String("qr_id", qr.ID),
				util.String("order_id", qr.OrderID),
				util.ErrorField(err))
			metrics.OTPVerificationsTotal.WithLabelValues("order_unavailable").Inc()
			return nil, wrapError(ErrNotFound, MsgOrderUnavailable, err)
		}

		applied, err := s.challenges.MarkVerified(ctx, qr.ID, challenge.ID, challenge.Attempts, s.state.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to mark otp verified: %w", err)
		}
		if !applied {
			if challenge, err = s.loadChallenge(ctx, qr.ID, challengeID); err != nil {
				return nil, err
			}
			continue
		}

		return s.openSession(ctx, qr, challenge, view, req.Request)
	}

	util.Warn("OTP verification gave up after concurrent updates", util.String("challenge_id", challengeID))
	return nil, newError(ErrConflict, MsgConcurrentUpdate)
}

func (s *OTPService) loadChallenge(ctx context.Context, qrID, challengeID string) (*models.OTPChallenge, error) {
	c, err := s.challenges.GetChallenge(ctx, qrID, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.OTPVerificationsTotal.WithLabelValues("unknown_challenge").Inc()
			return nil, newError(ErrNotFound, MsgInvalidQR)
		}
		return nil, fmt.Errorf("failed to load otp challenge: %w", err)
	}
	return c, nil
}

// checkChallenge applies the consumed, locked and expired guards in that order.
func (s *OTPService) checkChallenge(c *models.OTPChallenge) error {
	switch {
	case c.IsVerified():
		metrics.OTPVerificationsTotal.WithLabelValues("already_used").Inc()
		return newError(ErrConflict, MsgOTPAlreadyUsed)
	case c.IsLocked():
		metrics.OTPVerificationsTotal.WithLabelValues("locked").Inc()
		return newError(ErrTooManyRequests, MsgOTPLocked)
	case c.IsExpired(s.state.now()):
		metrics.OTPVerificationsTotal.WithLabelValues("expired").Inc()
		return newError(ErrGone, MsgOTPExpired)
	}
	return nil
}

func (s *OTPService) rejectCode(ctx context.Context, qr *models.DeliveryQRToken, c *models.OTPChallenge, rc models.RequestContext) error {
	attempts := c.Attempts + 1
	remaining := c.MaxAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}

	s.state.audit.Record(ctx, audit.Event{
		EntityType: models.EntityOTPChallenge,
		EntityID:   c.ID,
		Action:     models.ActionOTPInvalidAttempt,
		ActorType:  models.ActorCustomer,
		Request:    rc,
		Metadata: map[string]string{
			"qr_id":     qr.ID,
			"attempts":  strconv.Itoa(attempts),
			"remaining": strconv.Itoa(remaining),
		},
	})
	metrics.OTPVerificationsTotal.WithLabelValues("wrong_code").Inc()

	return newError(ErrUnauthorized, fmt.Sprintf("%s. Intentos restantes: %d", MsgOTPIncorrect, remaining))
}

func (s *OTPService) openSession(ctx context.Context, qr *models.DeliveryQRToken, c *models.OTPChallenge, view *models.OrderView, rc models.RequestContext) (*OTPVerifyResult, error) {
	session, raw, err := s.sessions.Open(ctx, qr, c, rc)
	if err != nil {
		return nil, err
	}

	s.state.audit.Record(ctx, audit.Event{
		EntityType: models.EntitySession,
		EntityID:   session.ID,
		Action:     models.ActionOTPVerifiedSession,
		ActorType:  models.ActorCustomer,
		Request:    rc,
		Metadata: map[string]string{
			"qr_id":        qr.ID,
			"challenge_id": c.ID,
			"order_id":     qr.OrderID,
			"expires_at":   session.ExpiresAt.Format(time.RFC3339),
		},
	})
	metrics.OTPVerificationsTotal.WithLabelValues("verified").Inc()

	return &OTPVerifyResult{
		SessionID:    session.ID,
		SessionToken: raw,
		ExpiresAt:    session.ExpiresAt,
		Order:        view,
	}, nil
}
