package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/metrics"
	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/security"
	"delivery-guard/internal/util"
)

// deliveryState resolves presented QR tokens and enforces the QR lifecycle.
// Every admitting operation goes through resolve then admit.
type deliveryState struct {
	signer *security.TokenSigner
	qrs    repository.QRTokenRepository
	audit  *audit.Writer
	now    func() time.Time
}

// resolve verifies the signed token and matches it against the stored
// fingerprint. Every failure looks the same to the caller. An expired token
// still resolves; admit reports it as gone from the stored record.
func (d *deliveryState) resolve(ctx context.Context, raw string) (*models.DeliveryQRToken, error) {
	claims, err := d.signer.Verify(raw)
	if err != nil && !errors.Is(err, security.ErrTokenExpired) {
		return nil, wrapError(ErrInvalidToken, MsgInvalidQR, err)
	}

	qr, err := d.qrs.GetQRToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, MsgInvalidQR)
		}
		return nil, fmt.Errorf("failed to load qr token: %w", err)
	}

	presented := security.BuildTokenFingerprint(raw)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(qr.TokenFingerprint)) != 1 || claims.OrderID != qr.OrderID {
		util.Warn("QR fingerprint mismatch", util.String("qr_id", qr.ID))
		return nil, newError(ErrNotFound, MsgInvalidQR)
	}
	return qr, nil
}

// admit rejects terminal tokens first and expired tokens second, flipping a
// stale pendiente token to expirado on first detection.
func (d *deliveryState) admit(ctx context.Context, qr *models.DeliveryQRToken, rc models.RequestContext) error {
	switch qr.Status {
	case models.QRStatusExpired:
		return newError(ErrGone, MsgQRExpired)
	case models.QRStatusConfirmed, models.QRStatusConfirmedWithIncident, models.QRStatusRejected:
		return newError(ErrConflict, MsgAlreadyProcessed)
	}

	if qr.IsExpired(d.now()) {
		if err := d.expire(ctx, qr, rc); err != nil {
			return err
		}
		return newError(ErrGone, MsgQRExpired)
	}
	return nil
}

// expire is idempotent: only the writer whose compare-and-set applies records it.
func (d *deliveryState) expire(ctx context.Context, qr *models.DeliveryQRToken, rc models.RequestContext) error {
	at := d.now().UTC()
	applied, err := d.qrs.TransitionQRStatus(ctx, qr.ID, models.QRStatusPending, models.QRStatusExpired, "expired", at)
	if err != nil {
		return fmt.Errorf("failed to expire qr token: %w", err)
	}
	if !applied {
		current, err := d.qrs.GetQRToken(ctx, qr.ID)
		if err == nil && current.Status != models.QRStatusExpired {
			*qr = *current
			return newError(ErrConflict, MsgAlreadyProcessed)
		}
		qr.Status = models.QRStatusExpired
		return nil
	}

	qr.Status = models.QRStatusExpired
	qr.UpdatedAt = at
	metrics.QRTransitionsTotal.WithLabelValues(string(models.QRStatusExpired)).Inc()
	d.audit.Record(ctx, audit.Event{
		EntityType: models.EntityDeliveryQR,
		EntityID:   qr.ID,
		Action:     models.ActionQRExpired,
		ActorType:  models.ActorSystem,
		Request:    rc,
		Metadata: map[string]string{
			"order_id":   qr.OrderID,
			"expires_at": qr.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	util.Info("QR token expired", util.String("qr_id", qr.ID), util.String("order_id", qr.OrderID))
	return nil
}

// transition applies a terminal outcome exactly once.
func (d *deliveryState) transition(ctx context.Context, qr *models.DeliveryQRToken, to models.QRStatus, reason string) (time.Time, error) {
	at := d.now().UTC()
	if qr.IsExpired(at) {
		if err := d.expire(ctx, qr, models.RequestContext{}); err != nil {
			return at, err
		}
		return at, newError(ErrGone, MsgQRExpired)
	}

	applied, err := d.qrs.TransitionQRStatus(ctx, qr.ID, models.QRStatusPending, to, reason, at)
	if err != nil {
		return at, fmt.Errorf("failed to update qr status: %w", err)
	}
	if !applied {
		current, err := d.qrs.GetQRToken(ctx, qr.ID)
		if err == nil && current.Status == models.QRStatusExpired {
			return at, newError(ErrGone, MsgQRExpired)
		}
		return at, newError(ErrConflict, MsgAlreadyProcessed)
	}

	qr.Status = to
	qr.StatusReason = reason
	qr.UpdatedAt = at
	if to == models.QRStatusConfirmed || to == models.QRStatusConfirmedWithIncident {
		qr.ConfirmedAt = &at
	}
	metrics.QRTransitionsTotal.WithLabelValues(string(to)).Inc()
	return at, nil
}
