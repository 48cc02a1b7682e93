package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"golang.org/x/sync/errgroup"

	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/util"
)

const (
	insertTicket = `INSERT INTO claims_tickets (
		ticket_id, ticket_type, subject, description, priority, status, created_by, metadata, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertTicketByDay = `INSERT INTO claims_tickets_by_day (created_day, ticket_type, created_at, ticket_id)
		VALUES (?, ?, ?, ?)`

	selectTicket = `SELECT ticket_id, ticket_type, subject, description, priority, status, created_by, metadata, created_at
		FROM claims_tickets WHERE ticket_id = ?`

	selectTicketsByDay = `SELECT ticket_id FROM claims_tickets_by_day
		WHERE created_day = ? AND ticket_type = ? AND created_at >= ? AND created_at <= ?`

	deleteTicket         = `DELETE FROM claims_tickets WHERE ticket_id = ?`
	deleteTicketByDay    = `DELETE FROM claims_tickets_by_day WHERE created_day = ? AND ticket_type = ? AND created_at = ? AND ticket_id = ?`
	deleteTicketComments = `DELETE FROM ticket_comments WHERE ticket_id = ?`

	insertAttachment = `INSERT INTO ticket_attachments (
		ticket_id, attachment_id, kind, path, file_name, content_type, size, uploaded_by, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectAttachments = `SELECT ticket_id, attachment_id, kind, path, file_name, content_type, size, uploaded_by, created_at
		FROM ticket_attachments WHERE ticket_id = ?`

	deleteAttachments = `DELETE FROM ticket_attachments WHERE ticket_id = ?`

	insertComment = `INSERT INTO ticket_comments (ticket_id, comment_id, author_id, body, internal, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
)

type TicketRepository struct {
	client *ScyllaClient
}

func NewTicketRepository(client *ScyllaClient) *TicketRepository {
	return &TicketRepository{client: client}
}

var _ repository.TicketRepository = (*TicketRepository)(nil)

func (r *TicketRepository) CreateTicket(ctx context.Context, t *models.ClaimsTicket) error {
	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(insertTicket, t.ID, t.Type, t.Subject, t.Description, t.Priority, t.Status, t.CreatedBy, t.Metadata, t.CreatedAt)
	batch.Query(insertTicketByDay, repository.DayKey(t.CreatedAt), t.Type, t.CreatedAt, t.ID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create claims ticket", util.String("ticket_id", t.ID), util.ErrorField(err))
		return fmt.Errorf("failed to create claims ticket: %w", err)
	}
	return nil
}

func (r *TicketRepository) getTicket(ctx context.Context, ticketID string) (*models.ClaimsTicket, error) {
	var t models.ClaimsTicket
	err := r.client.ScanWithRetry(r.client.Query(ctx, selectTicket, ticketID),
		&t.ID, &t.Type, &t.Subject, &t.Description, &t.Priority, &t.Status, &t.CreatedBy, &t.Metadata, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get claims ticket: %w", err)
	}
	return &t, nil
}

// DeleteTicket removes the ticket, its day index row and its comments.
func (r *TicketRepository) DeleteTicket(ctx context.Context, ticketID string) error {
	t, err := r.getTicket(ctx, ticketID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(deleteTicket, t.ID)
	batch.Query(deleteTicketByDay, repository.DayKey(t.CreatedAt), t.Type, t.CreatedAt, t.ID)
	batch.Query(deleteTicketComments, t.ID)
	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete claims ticket: %w", err)
	}
	return nil
}

func (r *TicketRepository) AddAttachment(ctx context.Context, a *models.TicketAttachment) error {
	query := r.client.Query(ctx, insertAttachment,
		a.TicketID, a.ID, a.Kind, a.Path, a.FileName, a.ContentType, a.Size, a.UploadedBy, a.CreatedAt)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to add ticket attachment: %w", err)
	}
	return nil
}

func (r *TicketRepository) DeleteAttachments(ctx context.Context, ticketID string) error {
	if err := r.client.ExecuteWithRetry(r.client.Query(ctx, deleteAttachments, ticketID), 2); err != nil {
		return fmt.Errorf("failed to delete ticket attachments: %w", err)
	}
	return nil
}

func (r *TicketRepository) ListAttachments(ctx context.Context, ticketID string) ([]*models.TicketAttachment, error) {
	iter := r.client.Query(ctx, selectAttachments, ticketID).Iter()
	var out []*models.TicketAttachment
	for {
		var a models.TicketAttachment
		if !iter.Scan(&a.TicketID, &a.ID, &a.Kind, &a.Path, &a.FileName, &a.ContentType, &a.Size, &a.UploadedBy, &a.CreatedAt) {
			break
		}
		out = append(out, &a)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list ticket attachments: %w", err)
	}
	return out, nil
}

func (r *TicketRepository) AddComment(ctx context.Context, c *models.TicketComment) error {
	query := r.client.Query(ctx, insertComment, c.TicketID, c.ID, c.AuthorID, c.Body, c.Internal, c.CreatedAt)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to add ticket comment: %w", err)
	}
	return nil
}

func (r *TicketRepository) ListTicketsCreatedBetween(ctx context.Context, ticketType string, from, to time.Time) ([]*models.ClaimsTicket, error) {
	var ids []string
	for _, day := range repository.DayRange(from, to) {
		iter := r.client.Query(ctx, selectTicketsByDay, day, ticketType, from, to).Iter()
		var id string
		for iter.Scan(&id) {
			ids = append(ids, id)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to list ticket index: %w", err)
		}
	}

	tickets := make([]*models.ClaimsTicket, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(partitionScanLimit)
	for i, id := range ids {
		g.Go(func() error {
			t, err := r.getTicket(gctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			tickets[i] = t
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := tickets[:0]
	for _, t := range tickets {
		if t != nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
