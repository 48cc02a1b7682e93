package models

import "time"

const (
	TicketTypeClaim      = "reclamo"
	TicketPriorityHigh   = "alta"
	TicketStatusOpen     = "abierto"
	AttachmentEvidence   = "evidencia"
	AttachmentGuidePhoto = "guia"
)

// ClaimsTicket is opened automatically when a recipient confirms with a defect.
type ClaimsTicket struct {
	ID          string            `json:"id" db:"ticket_id"`
	Type        string            `json:"type" db:"ticket_type"`
	Subject     string            `json:"subject" db:"subject"`
	Description string            `json:"description" db:"description"`
	Priority    string            `json:"priority" db:"priority"`
	Status      string            `json:"status" db:"status"`
	CreatedBy   string            `json:"created_by" db:"created_by"`
	Metadata    map[string]string `json:"metadata" db:"metadata"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

type TicketAttachment struct {
	ID          string    `json:"id" db:"attachment_id"`
	TicketID    string    `json:"ticket_id" db:"ticket_id"`
	Kind        string    `json:"kind" db:"kind"`
	Path        string    `json:"path" db:"path"`
	FileName    string    `json:"file_name" db:"file_name"`
	ContentType string    `json:"content_type" db:"content_type"`
	Size        int64     `json:"size" db:"size"`
	UploadedBy  string    `json:"uploaded_by" db:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type TicketComment struct {
	ID        string    `json:"id" db:"comment_id"`
	TicketID  string    `json:"ticket_id" db:"ticket_id"`
	AuthorID  string    `json:"author_id" db:"author_id"`
	Body      string    `json:"body" db:"body"`
	Internal  bool      `json:"internal" db:"internal"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
