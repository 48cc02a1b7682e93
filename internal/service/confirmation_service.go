package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/claims"
	"delivery-guard/internal/models"
	"delivery-guard/internal/util"
)

const maxReasonLength = 500

// ClaimsCreator opens the ticket behind a defect confirmation.
type ClaimsCreator interface {
	Create(ctx context.Context, req claims.Request) (*claims.Result, error)
	Discard(ctx context.Context, result *claims.Result)
	Announce(ctx context.Context, result *claims.Result)
}

// SessionCredentials identify the validation session presented with a QR.
type SessionCredentials struct {
	Token        string
	SessionID    string
	SessionToken string
	Request      models.RequestContext
}

type RejectRequest struct {
	SessionCredentials
	Reason string
}

type DefectRequest struct {
	SessionCredentials
	Claim claims.Request
}

type ConfirmationResult struct {
	QRID          string    `json:"qr_id"`
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
	TicketID      string    `json:"ticket_id,omitempty"`
	EvidencePaths []string  `json:"evidence_paths,omitempty"`
	GuidePath     string    `json:"guide_path,omitempty"`
}

// ConfirmationService applies the recipient's final decision on a delivery.
type ConfirmationService struct {
	state    *deliveryState
	sessions *SessionManager
	orders   OrderViewBuilder
	claims   ClaimsCreator
}

// SessionOrder returns the order view again for a still-valid session.
func (s *ConfirmationService) SessionOrder(ctx context.Context, creds SessionCredentials) (*models.OrderView, error) {
	qr, _, err := s.authorize(ctx, creds)
	if err != nil {
		return nil, err
	}
	view, err := s.orders.Build(ctx, qr)
	if err != nil || view == nil {
		return nil, wrapError(ErrNotFound, MsgOrderUnavailable, err)
	}
	return view, nil
}

func (s *ConfirmationService) Confirm(ctx context.Context, creds SessionCredentials) (*ConfirmationResult, error) {
	qr, session, err := s.authorize(ctx, creds)
	if err != nil {
		return nil, err
	}

	at, err := s.state.transition(ctx, qr, models.QRStatusConfirmed, "confirmado por el destinatario")
	if err != nil {
		return nil, err
	}
	s.consume(ctx, session)

	s.state.audit.Record(ctx, audit.Event{
		EntityType: models.EntityDeliveryQR,
		EntityID:   qr.ID,
		Action:     models.ActionDeliveryConfirmed,
		ActorType:  models.ActorCustomer,
		Request:    creds.Request,
		Metadata: map[string]string{
			"order_id":   qr.OrderID,
			"session_id": session.ID,
		},
	})
	util.Info("Delivery confirmed", util.String("qr_id", qr.ID), util.String("order_id", qr.OrderID))

	return resultFor(qr, at), nil
}

func (s *ConfirmationService) Reject(ctx context.Context, req RejectRequest) (*ConfirmationResult, error) {
	reason := util.CleanText(req.Reason)
	if len(reason) > maxReasonLength {
		return nil, validationError("El motivo no puede superar 500 caracteres")
	}
	if reason == "" {
		reason = "rechazado por el destinatario"
	}

	qr, session, err := s.authorize(ctx, req.SessionCredentials)
	if err != nil {
		return nil, err
	}

	at, err := s.state.transition(ctx, qr, models.QRStatusRejected, reason)
	if err != nil {
		return nil, err
	}
	s.consume(ctx, session)

	s.state.audit.Record(ctx, audit.Event{
		EntityType: models.EntityDeliveryQR,
		EntityID:   qr.ID,
		Action:     models.ActionDeliveryRejected,
		ActorType:  models.ActorCustomer,
		Request:    req.Request,
		Metadata: map[string]string{
			"order_id":   qr.OrderID,
			"session_id": session.ID,
			"reason":     reason,
		},
	})
	util.Info("Delivery rejected", util.String("qr_id", qr.ID), util.String("order_id", qr.OrderID))

	return resultFor(qr, at), nil
}

// ConfirmWithDefect opens the claims ticket first and then moves the QR. A
// lost transition discards the ticket so no claim outlives a failed confirmation.
func (s *ConfirmationService) ConfirmWithDefect(ctx context.Context, req DefectRequest) (*ConfirmationResult, error) {
	qr, session, err := s.authorize(ctx, req.SessionCredentials)
	if err != nil {
		return nil, err
	}

	claim := req.Claim
	claim.OrderID = qr.OrderID
	claim.WarehouseID = qr.WarehouseID
	if strings.TrimSpace(claim.TransporterID) == "" {
		claim.TransporterID = qr.TransporterID
	}
	claim.Delivery = claims.DeliveryContext{
		QRID:      qr.ID,
		SessionID: session.ID,
		RequestID: req.Request.RequestID,
		IP:        req.Request.IP,
	}

	created, err := s.claims.Create(ctx, claim)
	if err != nil {
		return nil, claimError(err)
	}

	at, err := s.state.transition(ctx, qr, models.QRStatusConfirmedWithIncident, "confirmado con novedad")
	if err != nil {
		s.claims.Discard(ctx, created)
		util.Warn("Claims ticket discarded after lost transition",
			util.String("qr_id", qr.ID),
			util.String("ticket_id", created.Ticket.ID),
			util.ErrorField(err))
		return nil, err
	}
	s.consume(ctx, session)

	s.state.audit.Record(ctx, audit.Event{
		EntityType: models.EntityTicket,
		EntityID:   created.Ticket.ID,
		Action:     models.ActionClaimCreated,
		ActorType:  models.ActorSystem,
		ActorID:    created.Ticket.CreatedBy,
		Request:    req.Request,
		Metadata: map[string]string{
			"qr_id":    qr.ID,
			"order_id": qr.OrderID,
			"evidence": strconv.Itoa(len(created.EvidencePaths)),
		},
	})
	s.state.audit.Record(ctx, audit.Event{
		EntityType: models.EntityDeliveryQR,
		EntityID:   qr.ID,
		Action:     models.ActionDeliveryConfirmedDefect,
		ActorType:  models.ActorCustomer,
		Request:    req.Request,
		Metadata: map[string]string{
			"order_id":           qr.OrderID,
			"session_id":         session.ID,
			"ticket_id":          created.Ticket.ID,
			"defective_quantity": strconv.Itoa(claim.DefectiveQuantity),
		},
	})

	s.claims.Announce(ctx, created)

	result := resultFor(qr, at)
	result.TicketID = created.Ticket.ID
	result.EvidencePaths = created.EvidencePaths
	result.GuidePath = created.GuidePath
	return result, nil
}

func (s *ConfirmationService) authorize(ctx context.Context, creds SessionCredentials) (*models.DeliveryQRToken, *models.ValidationSession, error) {
	if strings.TrimSpace(creds.Token) == "" {
		return nil, nil, validationError("El token es obligatorio")
	}
	qr, err := s.state.resolve(ctx, creds.Token)
	if err != nil {
		return nil, nil, err
	}
	if err := s.state.admit(ctx, qr, creds.Request); err != nil {
		return nil, nil, err
	}
	session, err := s.sessions.Authorize(ctx, qr.ID, creds.SessionID, creds.SessionToken)
	if err != nil {
		return nil, nil, err
	}
	return qr, session, nil
}

func (s *ConfirmationService) consume(ctx context.Context, session *models.ValidationSession) {
	applied, err := s.sessions.Consume(ctx, session.ID)
	switch {
	case err != nil:
		util.Error("Failed to consume validation session", util.String("session_id", session.ID), util.ErrorField(err))
	case !applied:
		util.Warn("Validation session already consumed", util.String("session_id", session.ID))
	}
}

func claimError(err error) error {
	var verr *claims.ValidationError
	switch {
	case errors.As(err, &verr):
		return validationError(verr.Message)
	case errors.Is(err, claims.ErrNoSystemActor):
		return wrapError(ErrFatal, MsgClaimActorMissing, err)
	default:
		return wrapError(ErrFatal, MsgClaimCreateFailed, err)
	}
}

func resultFor(qr *models.DeliveryQRToken, at time.Time) *ConfirmationResult {
	return &ConfirmationResult{
		QRID:      qr.ID,
		OrderID:   qr.OrderID,
		Status:    string(qr.Status),
		UpdatedAt: at,
	}
}
