// Package claims opens complaint tickets for deliveries confirmed with a
// defect, stores their photo evidence and notifies dispatch.
package claims

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"delivery-guard/internal/encryption"
	"delivery-guard/internal/metrics"
	"delivery-guard/internal/models"
	"delivery-guard/internal/notification"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/util"
)

const (
	MaxEvidenceFiles = 10
	MaxFileSize      = 10 << 20
)

var allowedContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/heic":      true,
	"application/pdf": true,
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectStorage is where evidence files are kept.
type ObjectStorage interface {
	Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, path string) error
}

// Indexer makes claims searchable from the back office.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ValidationError reports a claim the caller must correct.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// DeliveryContext is the confirmation the claim was raised from.
type DeliveryContext struct {
	QRID      string
	SessionID string
	RequestID string
	IP        string
}

type Request struct {
	OrderID           string
	WarehouseID       string
	TransporterID     string
	InvoiceNumber     string
	ProductReference  string
	DefectiveQuantity int
	Description       string
	ClaimantName      string
	ClaimantContact   string
	Evidence          []File
	Guide             *File
	Delivery          DeliveryContext
}

type Result struct {
	Ticket        *models.ClaimsTicket `json:"ticket"`
	EvidencePaths []string             `json:"evidence_paths"`
	GuidePath     string               `json:"guide_path"`
}

type Creator struct {
	tickets    repository.TicketRepository
	storage    ObjectStorage
	actors     *ActorResolver
	mailer     notification.Mailer
	mailbox    string
	indexer    Indexer
	index      string
	encryption *encryption.Manager
	now        func() time.Time
}

func NewCreator(tickets repository.TicketRepository, storage ObjectStorage, actors *ActorResolver, mailer notification.Mailer, mailbox string) *Creator {
	return &Creator{
		tickets: tickets,
		storage: storage,
		actors:  actors,
		mailer:  mailer,
		mailbox: mailbox,
		now:     time.Now,
	}
}

func (c *Creator) WithIndexer(indexer Indexer, index string) *Creator {
	c.indexer = indexer
	c.index = index
	return c
}

// WithEncryption seals the claimant contact before it is stored in metadata.
func (c *Creator) WithEncryption(m *encryption.Manager) *Creator {
	c.encryption = m
	return c
}

func (c *Creator) WithClock(now func() time.Time) *Creator {
	c.now = now
	return c
}

// Create inserts the ticket and uploads every file. Any failure removes the
// files already stored together with the ticket and its attachment rows.
func (c *Creator) Create(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	actorID, err := c.actors.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	metadata, err := c.metadata(ctx, req)
	if err != nil {
		return nil, err
	}

	ticket := &models.ClaimsTicket{
		ID:          uuid.NewString(),
		Type:        models.TicketTypeClaim,
		Subject:     fmt.Sprintf("Reclamo de entrega pedido %s - factura %s", req.OrderID, req.InvoiceNumber),
		Description: describe(req),
		Priority:    models.TicketPriorityHigh,
		Status:      models.TicketStatusOpen,
		CreatedBy:   actorID,
		Metadata:    metadata,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.tickets.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to create claims ticket: %w", err)
	}

	result := &Result{Ticket: ticket}
	var uploaded []string

	for i, f := range req.Evidence {
		p, err := c.upload(ctx, ticket, actorID, i, f, models.AttachmentEvidence)
		if p != "" {
			uploaded = append(uploaded, p)
		}
		if err != nil {
			c.rollback(ctx, ticket.ID, uploaded)
			return nil, err
		}
		result.EvidencePaths = append(result.EvidencePaths, p)
	}

	p, err := c.upload(ctx, ticket, actorID, len(req.Evidence), *req.Guide, models.AttachmentGuidePhoto)
	if p != "" {
		uploaded = append(uploaded, p)
	}
	if err != nil {
		c.rollback(ctx, ticket.ID, uploaded)
		return nil, err
	}
	result.GuidePath = p

	comment := &models.TicketComment{
		ID:        uuid.NewString(),
		TicketID:  ticket.ID,
		AuthorID:  actorID,
		Body:      fmt.Sprintf("Reclamo creado automáticamente desde la confirmación de entrega con novedad (QR %s).", req.Delivery.QRID),
		Internal:  true,
		CreatedAt: c.now().UTC(),
	}
	if err := c.tickets.AddComment(ctx, comment); err != nil {
		c.rollback(ctx, ticket.ID, uploaded)
		return nil, fmt.Errorf("failed to add claims comment: %w", err)
	}

	util.Info("Claims ticket created",
		util.String("ticket_id", ticket.ID),
		util.String("order_id", req.OrderID),
		util.Int("evidence", len(result.EvidencePaths)))

	return result, nil
}

// Discard removes a ticket created by Create whose delivery could not be
// confirmed afterwards.
func (c *Creator) Discard(ctx context.Context, result *Result) {
	paths := append([]string(nil), result.EvidencePaths...)
	if result.GuidePath != "" {
		paths = append(paths, result.GuidePath)
	}
	c.rollback(ctx, result.Ticket.ID, paths)
}

// Announce indexes the ticket and mails the dispatch mailbox. Both are best
// effort: failures are logged and counted but never undo the claim.
func (c *Creator) Announce(ctx context.Context, result *Result) {
	ticket := result.Ticket

	if c.indexer != nil {
		doc := map[string]interface{}{
			"ticket_id":  ticket.ID,
			"type":       ticket.Type,
			"subject":    ticket.Subject,
			"priority":   ticket.Priority,
			"status":     ticket.Status,
			"created_by": ticket.CreatedBy,
			"created_at": ticket.CreatedAt,
			"metadata":   searchableMetadata(ticket.Metadata),
		}
		if err := c.indexer.IndexDocument(ctx, c.index, ticket.ID, doc); err != nil {
			metrics.NotificationFailuresTotal.WithLabelValues("claims_index").Inc()
			util.Error("Failed to index claims ticket", util.String("ticket_id", ticket.ID), util.ErrorField(err))
		}
	}

	if c.mailer == nil || c.mailbox == "" {
		metrics.NotificationFailuresTotal.WithLabelValues("claims_mail").Inc()
		util.Warn("Claims dispatch mailbox not configured", util.String("ticket_id", ticket.ID))
		return
	}
	email := notification.Email{
		To:      []string{c.mailbox},
		Subject: "[Reclamo] " + ticket.Subject,
		Body:    mailBody(result),
	}
	if err := c.mailer.Send(ctx, email); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("claims_mail").Inc()
		util.Error("Failed to notify dispatch mailbox",
			util.String("ticket_id", ticket.ID),
			util.String("mailbox", c.mailbox),
			util.ErrorField(err))
	}
}

func (c *Creator) upload(ctx context.Context, ticket *models.ClaimsTicket, actorID string, index int, f File, kind string) (string, error) {
	name := safeFileName(f.Name, index)
	if kind == models.AttachmentGuidePhoto {
		name = "guia-" + name
	}
	objectPath := path.Join(actorID, ticket.ID, fmt.Sprintf("%d-%s", index, name))

	if err := c.storage.Put(ctx, objectPath, bytes.NewReader(f.Data), int64(len(f.Data)), f.ContentType); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", kind, err)
	}

	attachment := &models.TicketAttachment{
		ID:          uuid.NewString(),
		TicketID:    ticket.ID,
		Kind:        kind,
		Path:        objectPath,
		FileName:    f.Name,
		ContentType: f.ContentType,
		Size:        int64(len(f.Data)),
		UploadedBy:  actorID,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.tickets.AddAttachment(ctx, attachment); err != nil {
		return objectPath, fmt.Errorf("failed to record %s attachment: %w", kind, err)
	}
	return objectPath, nil
}

func (c *Creator) rollback(ctx context.Context, ticketID string, paths []string) {
	ctx = context.WithoutCancel(ctx)
	metrics.ClaimRollbacksTotal.Inc()

	for _, p := range paths {
		if err := c.storage.Delete(ctx, p); err != nil {
			util.Error("Rollback failed to delete claims file", util.String("path", p), util.ErrorField(err))
		}
	}
	if err := c.tickets.DeleteAttachments(ctx, ticketID); err != nil {
		util.Error("Rollback failed to delete attachments", util.String("ticket_id", ticketID), util.ErrorField(err))
	}
	if err := c.tickets.DeleteTicket(ctx, ticketID); err != nil {
		util.Error("Rollback failed to delete ticket", util.String("ticket_id", ticketID), util.ErrorField(err))
	}
	util.Warn("Claims ticket rolled back", util.String("ticket_id", ticketID), util.Int("files", len(paths)))
}

func (c *Creator) metadata(ctx context.Context, req Request) (map[string]string, error) {
	md := map[string]string{
		"order_id":           req.OrderID,
		"warehouse_id":       req.WarehouseID,
		"transporter_id":     req.TransporterID,
		"invoice_number":     req.InvoiceNumber,
		"product_reference":  req.ProductReference,
		"defective_quantity": strconv.Itoa(req.DefectiveQuantity),
		"claimant_name":      req.ClaimantName,
		"qr_id":              req.Delivery.QRID,
		"session_id":         req.Delivery.SessionID,
		"request_id":         req.Delivery.RequestID,
		"source":             "delivery_confirmation",
	}
	if req.ClaimantContact == "" {
		return md, nil
	}
	md["claimant_contact_masked"] = maskContact(req.ClaimantContact)
	if c.encryption == nil {
		return md, nil
	}
	sealed, err := c.encryption.Encrypt(ctx, req.ClaimantContact)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt claimant contact: %w", err)
	}
	md["claimant_contact"] = sealed.Value
	md["claimant_contact_dek"] = sealed.DEK
	md["claimant_contact_key"] = sealed.KeyID
	return md, nil
}

func validate(req *Request) error {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.WarehouseID = strings.TrimSpace(req.WarehouseID)
	req.TransporterID = strings.TrimSpace(req.TransporterID)
	req.InvoiceNumber = util.CleanText(req.InvoiceNumber)
	req.ProductReference = util.CleanText(req.ProductReference)
	req.Description = util.CleanText(req.Description)
	req.ClaimantName = util.CleanText(req.ClaimantName)
	req.ClaimantContact = strings.TrimSpace(req.ClaimantContact)

	switch {
	case req.OrderID == "" || req.WarehouseID == "":
		return &ValidationError{Message: "El pedido y la bodega son obligatorios"}
	case req.InvoiceNumber == "":
		return &ValidationError{Message: "El número de factura es obligatorio"}
	case req.ProductReference == "":
		return &ValidationError{Message: "La referencia del producto es obligatoria"}
	case req.DefectiveQuantity <= 0:
		return &ValidationError{Message: "La cantidad con novedad debe ser mayor a cero"}
	case req.Description == "":
		return &ValidationError{Message: "La descripción de la novedad es obligatoria"}
	case req.Guide == nil:
		return &ValidationError{Message: "La foto de la guía es obligatoria"}
	case len(req.Evidence) > MaxEvidenceFiles:
		return &ValidationError{Message: fmt.Sprintf("Se permiten máximo %d archivos de evidencia", MaxEvidenceFiles)}
	}

	files := append(append([]File(nil), req.Evidence...), *req.Guide)
	for _, f := range files {
		if len(f.Data) == 0 {
			return &ValidationError{Message: "Los archivos adjuntos no pueden estar vacíos"}
		}
		if len(f.Data) > MaxFileSize {
			return &ValidationError{Message: "Cada archivo debe pesar máximo 10 MB"}
		}
		if !allowedContentTypes[strings.ToLower(f.ContentType)] {
			return &ValidationError{Message: "Tipo de archivo no permitido: " + f.ContentType}
		}
	}
	return nil
}

func describe(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pedido: %s\n", req.OrderID)
	fmt.Fprintf(&b, "Bodega: %s\n", req.WarehouseID)
	if req.TransporterID != "" {
		fmt.Fprintf(&b, "Transportador: %s\n", req.TransporterID)
	}
	fmt.Fprintf(&b, "Factura: %s\n", req.InvoiceNumber)
	fmt.Fprintf(&b, "Referencia: %s\n", req.ProductReference)
	fmt.Fprintf(&b, "Cantidad con novedad: %d\n", req.DefectiveQuantity)
	if req.ClaimantName != "" {
		fmt.Fprintf(&b, "Reporta: %s\n", req.ClaimantName)
	}
	fmt.Fprintf(&b, "\n%s", req.Description)
	return b.String()
}

func mailBody(result *Result) string {
	t := result.Ticket
	var b strings.Builder
	fmt.Fprintf(&b, "Se registró un reclamo automático (%s).\n\n", t.ID)
	b.WriteString(t.Description)
	fmt.Fprintf(&b, "\n\nEvidencias: %d\nGuía: %s\n", len(result.EvidencePaths), result.GuidePath)
	return b.String()
}

// searchableMetadata drops the sealed contact fields from the indexed copy.
func searchableMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		if strings.HasPrefix(k, "claimant_contact") && k != "claimant_contact_masked" {
			continue
		}
		out[k] = v
	}
	return out
}

func safeFileName(name string, index int) string {
	base := unsafeFileChars.ReplaceAllString(path.Base(strings.ReplaceAll(name, "\\", "/")), "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = fmt.Sprintf("archivo-%d", index)
	}
	if len(base) > 80 {
		base = base[len(base)-80:]
	}
	return base
}

func maskContact(contact string) string {
	local, domain, ok := strings.Cut(contact, "@")
	if !ok {
		return util.MaskPhone(contact)
	}
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + "@" + domain
	}
	return local[:2] + strings.Repeat("*", len(local)-2) + "@" + domain
}
