package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/models"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/security"
	"delivery-guard/internal/util"
)

type IssueQRRequest struct {
	OrderID       string        `json:"order_id"`
	WarehouseID   string        `json:"warehouse_id"`
	BatchID       string        `json:"batch_id"`
	TransporterID string        `json:"transporter_id,omitempty"`
	TTL           time.Duration `json:"-"`
	AdminID       string        `json:"-"`
	Request       models.RequestContext
}

type IssueQRResult struct {
	QRID      string    `json:"qr_id"`
	Token     string    `json:"token"`
	Status    string    `json:"status"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// QRService issues delivery QR tokens when a batch is dispatched.
type QRService struct {
	state  *deliveryState
	policy policy.Policy
}

func (s *QRService) Issue(ctx context.Context, req IssueQRRequest) (*IssueQRResult, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.WarehouseID = strings.TrimSpace(req.WarehouseID)
	req.BatchID = strings.TrimSpace(req.BatchID)
	req.TransporterID = strings.TrimSpace(req.TransporterID)

	if req.OrderID == "" || req.WarehouseID == "" || req.BatchID == "" {
		return nil, validationError("order_id, warehouse_id y batch_id son obligatorios")
	}
	for _, v := range []string{req.OrderID, req.WarehouseID, req.BatchID, req.TransporterID} {
		if util.ContainsSuspicious(v) {
			return nil, validationError("Los identificadores contienen caracteres no permitidos")
		}
	}
	if req.TTL < 0 {
		return nil, validationError("ttl debe ser positivo")
	}

	now := s.state.now().UTC()
	expiresAt := s.policy.QRExpiry(now, req.TTL)

	raw, claims, err := s.state.signer.Issue(security.DeliveryClaims{
		OrderID:       req.OrderID,
		WarehouseID:   req.WarehouseID,
		BatchID:       req.BatchID,
		TransporterID: req.TransporterID,
	}, s.policy.SignedTokenExpiry(expiresAt))
	if err != nil {
		return nil, err
	}

	qr := &models.DeliveryQRToken{
		ID:               claims.ID,
		TokenFingerprint: security.BuildTokenFingerprint(raw),
		OrderID:          req.OrderID,
		WarehouseID:      req.WarehouseID,
		BatchID:          req.BatchID,
		TransporterID:    req.TransporterID,
		Status:           models.QRStatusPending,
		IssuedAt:         now,
		ExpiresAt:        expiresAt,
		UpdatedAt:        now,
	}
	if err := s.state.qrs.CreateQRToken(ctx, qr); err != nil {
		return nil, fmt.Errorf("failed to store qr token: %w", err)
	}

	s.state.audit.Record(ctx, audit.Event{
		EntityType: models.EntityDeliveryQR,
		EntityID:   qr.ID,
		Action:     models.ActionQRIssued,
		ActorType:  models.ActorAdmin,
		ActorID:    req.AdminID,
		Request:    req.Request,
		Metadata: map[string]string{
			"order_id":     qr.OrderID,
			"warehouse_id": qr.WarehouseID,
			"batch_id":     qr.BatchID,
			"expires_at":   expiresAt.Format(time.RFC3339),
		},
	})

	util.Info("QR token issued",
		util.String("qr_id", qr.ID),
		util.String("order_id", qr.OrderID),
		util.Time("expires_at", expiresAt))

	return &IssueQRResult{
		QRID:      qr.ID,
		Token:     raw,
		Status:    string(qr.Status),
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}
