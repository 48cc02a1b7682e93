// Package memory keeps every delivery aggregate in process memory behind a
// single mutex. It honours the same compare-and-set contracts as the scylla
// backend and serves development runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
)

type Store struct {
	mu          sync.Mutex
	qrs         map[string]models.DeliveryQRToken
	challenges  map[string]models.OTPChallenge
	sessions    map[string]models.ValidationSession
	audit       []models.AuditLogEntry
	tickets     map[string]models.ClaimsTicket
	attachments map[string][]models.TicketAttachment
	comments    map[string][]models.TicketComment
	snapshots   map[string]models.OrderView
}

func NewStore() *Store {
	return &Store{
		qrs:         make(map[string]models.DeliveryQRToken),
		challenges:  make(map[string]models.OTPChallenge),
		sessions:    make(map[string]models.ValidationSession),
		tickets:     make(map[string]models.ClaimsTicket),
		attachments: make(map[string][]models.TicketAttachment),
		comments:    make(map[string][]models.TicketComment),
		snapshots:   make(map[string]models.OrderView),
	}
}

var (
	_ repository.QRTokenRepository   = (*Store)(nil)
	_ repository.ChallengeRepository = (*Store)(nil)
	_ repository.SessionRepository   = (*Store)(nil)
	_ repository.AuditRepository     = (*Store)(nil)
	_ repository.TicketRepository    = (*Store)(nil)
	_ repository.SnapshotRepository  = (*Store)(nil)
)

// QR tokens

func (s *Store) CreateQRToken(_ context.Context, qr *models.DeliveryQRToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qrs[qr.ID] = *qr
	return nil
}

func (s *Store) GetQRToken(_ context.Context, qrID string) (*models.DeliveryQRToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qr, ok := s.qrs[qrID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &qr, nil
}

func (s *Store) TransitionQRStatus(_ context.Context, qrID string, from, to models.QRStatus, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qr, ok := s.qrs[qrID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if qr.Status != from {
		return false, nil
	}
	qr.Status = to
	qr.StatusReason = reason
	qr.UpdatedAt = at
	if to == models.QRStatusConfirmed || to == models.QRStatusConfirmedWithIncident {
		t := at
		qr.ConfirmedAt = &t
	}
	s.qrs[qrID] = qr
	return true, nil
}

func (s *Store) ListQRTokensIssuedBetween(_ context.Context, from, to time.Time) ([]*models.DeliveryQRToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DeliveryQRToken
	for _, qr := range s.qrs {
		if qr.IssuedAt.Before(from) || qr.IssuedAt.After(to) {
			continue
		}
		q := qr
		out = append(out, &q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// Challenges

func (s *Store) CreateChallenge(_ context.Context, c *models.OTPChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.ID] = *c
	return nil
}

func (s *Store) GetChallenge(_ context.Context, qrID, challengeID string) (*models.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeID]
	if !ok || c.QRID != qrID {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (s *Store) DeleteChallenge(_ context.Context, qrID, challengeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.challenges[challengeID]; ok && c.QRID == qrID {
		delete(s.challenges, challengeID)
	}
	return nil
}

func (s *Store) RecordFailedAttempt(_ context.Context, qrID, challengeID string, expectedAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeID]
	if !ok || c.QRID != qrID {
		return false, repository.ErrNotFound
	}
	if c.Attempts != expectedAttempts || c.VerifiedAt != nil {
		return false, nil
	}
	c.Attempts++
	s.challenges[challengeID] = c
	return true, nil
}

func (s *Store) MarkVerified(_ context.Context, qrID, challengeID string, expectedAttempts int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[challengeID]
	if !ok || c.QRID != qrID {
		return false, repository.ErrNotFound
	}
	if c.Attempts != expectedAttempts || c.VerifiedAt != nil {
		return false, nil
	}
	c.Attempts++
	t := at
	c.VerifiedAt = &t
	s.challenges[challengeID] = c
	return true, nil
}

func (s *Store) ChallengeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// Sessions

func (s *Store) CreateSession(_ context.Context, vs *models.ValidationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[vs.ID] = *vs
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*models.ValidationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &vs, nil
}

func (s *Store) ConsumeSession(_ context.Context, sessionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs, ok := s.sessions[sessionID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if vs.ConsumedAt != nil {
		return false, nil
	}
	t := at
	vs.ConsumedAt = &t
	s.sessions[sessionID] = vs
	return true, nil
}

// Audit

func (s *Store) AppendAudit(_ context.Context, entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *Store) ListAuditBetween(_ context.Context, from, to time.Time) ([]*models.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditLogEntry
	for _, e := range s.audit {
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		entry := e
		out = append(out, &entry)
	}
	return out, nil
}

// AuditEntries returns a copy of the log in append order.
func (s *Store) AuditEntries() []models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLogEntry(nil), s.audit...)
}

// Tickets

func (s *Store) CreateTicket(_ context.Context, t *models.ClaimsTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.ID] = *t
	return nil
}

func (s *Store) DeleteTicket(_ context.Context, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, ticketID)
	delete(s.comments, ticketID)
	return nil
}

func (s *Store) AddAttachment(_ context.Context, a *models.TicketAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[a.TicketID] = append(s.attachments[a.TicketID], *a)
	return nil
}

func (s *Store) DeleteAttachments(_ context.Context, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, ticketID)
	return nil
}

func (s *Store) ListAttachments(_ context.Context, ticketID string) ([]*models.TicketAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TicketAttachment
	for _, a := range s.attachments[ticketID] {
		att := a
		out = append(out, &att)
	}
	return out, nil
}

func (s *Store) AddComment(_ context.Context, c *models.TicketComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[c.TicketID] = append(s.comments[c.TicketID], *c)
	return nil
}

func (s *Store) ListTicketsCreatedBetween(_ context.Context, ticketType string, from, to time.Time) ([]*models.ClaimsTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ClaimsTicket
	for _, t := range s.tickets {
		if t.Type != ticketType || t.CreatedAt.Before(from) || t.CreatedAt.After(to) {
			continue
		}
		ticket := t
		out = append(out, &ticket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TicketCount and AttachmentCount report totals across all tickets.
func (s *Store) TicketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

func (s *Store) AttachmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.attachments {
		n += len(list)
	}
	return n
}

func (s *Store) Comments(ticketID string) []models.TicketComment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TicketComment(nil), s.comments[ticketID]...)
}

// Snapshots

func (s *Store) GetSnapshot(_ context.Context, qrID string) (*models.OrderView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.snapshots[qrID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &v, nil
}

func (s *Store) SaveSnapshot(_ context.Context, qrID string, view *models.OrderView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[qrID] = *view
	return nil
}
