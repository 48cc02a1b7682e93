// Package report materializes the QR and incident history as a CSV file.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/models"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/util"
)

type ExportRequest struct {
	From    time.Time
	To      time.Time
	AdminID string
	Request models.RequestContext
}

type Export struct {
	FileName  string
	From      time.Time
	To        time.Time
	QRCount   int
	Incidents int
	Content   []byte
}

type Exporter struct {
	qrs      repository.QRTokenRepository
	tickets  repository.TicketRepository
	events   repository.AuditRepository
	counters []ActionCounter
	audit    *audit.Writer
	policy   policy.Policy
	now      func() time.Time
}

// NewExporter tries counters in order and uses the first that answers.
// QRs issued earlier but touched inside the range are found through events.
func NewExporter(qrs repository.QRTokenRepository, tickets repository.TicketRepository, events repository.AuditRepository, w *audit.Writer, p policy.Policy, counters ...ActionCounter) *Exporter {
	return &Exporter{qrs: qrs, tickets: tickets, events: events, counters: counters, audit: w, policy: p, now: time.Now}
}

func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*Export, error) {
	now := e.now().UTC()
	from, to := e.policy.ReportRange(req.From, req.To, now)

	var (
		qrs     []*models.DeliveryQRToken
		tickets []*models.ClaimsTicket
		touched []string
		actions map[string]int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		qrs, err = e.qrs.ListQRTokensIssuedBetween(gctx, from, to)
		if err != nil {
			return fmt.Errorf("failed to list qr tokens: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		tickets, err = e.tickets.ListTicketsCreatedBetween(gctx, models.TicketTypeClaim, from, to)
		if err != nil {
			return fmt.Errorf("failed to list claims tickets: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		touched = e.touchedQRs(gctx, from, to)
		return nil
	})
	g.Go(func() error {
		actions = e.countActions(gctx, from, to)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	qrs, err := e.withTouched(ctx, qrs, touched)
	if err != nil {
		return nil, err
	}

	content, err := render(qrs, tickets, actions, now)
	if err != nil {
		return nil, err
	}

	export := &Export{
		FileName:  fmt.Sprintf("reporte-entregas-qr-%s.csv", now.Format("2006-01-02")),
		From:      from,
		To:        to,
		QRCount:   len(qrs),
		Incidents: len(tickets),
		Content:   content,
	}

	e.audit.Record(ctx, audit.Event{
		EntityType: models.EntityReport,
		EntityID:   export.FileName,
		Action:     models.ActionReportExported,
		ActorType:  models.ActorAdmin,
		ActorID:    req.AdminID,
		Request:    req.Request,
		Metadata: map[string]string{
			"from":      from.Format(time.RFC3339),
			"to":        to.Format(time.RFC3339),
			"qr_count":  strconv.Itoa(export.QRCount),
			"incidents": strconv.Itoa(export.Incidents),
		},
	})

	return export, nil
}

// touchedQRs lists QRs with events inside the range. A failing audit store
// leaves the report with the QRs issued in the range.
func (e *Exporter) touchedQRs(ctx context.Context, from, to time.Time) []string {
	if e.events == nil {
		return nil
	}
	entries, err := e.events.ListAuditBetween(ctx, from, to)
	if err != nil {
		util.Warn("Failed to list audit events for report", util.ErrorField(err))
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, entry := range entries {
		if entry.EntityType != models.EntityDeliveryQR || seen[entry.EntityID] {
			continue
		}
		seen[entry.EntityID] = true
		ids = append(ids, entry.EntityID)
	}
	return ids
}

func (e *Exporter) withTouched(ctx context.Context, qrs []*models.DeliveryQRToken, touched []string) ([]*models.DeliveryQRToken, error) {
	listed := make(map[string]bool, len(qrs))
	for _, qr := range qrs {
		listed[qr.ID] = true
	}
	added := false
	for _, id := range touched {
		if listed[id] {
			continue
		}
		qr, err := e.qrs.GetQRToken(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load qr token %s: %w", id, err)
		}
		listed[id] = true
		qrs = append(qrs, qr)
		added = true
	}
	if added {
		sort.SliceStable(qrs, func(i, j int) bool { return qrs[i].IssuedAt.Before(qrs[j].IssuedAt) })
	}
	return qrs, nil
}

// countActions degrades to an empty section when no counter answers.
func (e *Exporter) countActions(ctx context.Context, from, to time.Time) map[string]int {
	for _, c := range e.counters {
		counts, err := c.CountActions(ctx, from, to)
		if err == nil {
			return counts
		}
		util.Warn("Action counter failed", util.String("counter", c.Name()), util.ErrorField(err))
	}
	return map[string]int{}
}

func render(qrs []*models.DeliveryQRToken, tickets []*models.ClaimsTicket, actions map[string]int, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	// Stored status can lag behind the clock, so the summary counts the effective one.
	byStatus := make(map[models.QRStatus]int)
	for _, qr := range qrs {
		byStatus[qr.EffectiveStatus(now)]++
	}

	records := [][]string{{"Resumen"}, {"estado", "cantidad"}}
	for _, status := range models.AllQRStatuses {
		records = append(records, []string{string(status), strconv.Itoa(byStatus[status])})
	}
	records = append(records, []string{"incidentes", strconv.Itoa(len(tickets))}, []string{})

	records = append(records, []string{"Detalle QR"}, []string{
		"qr_id", "pedido", "bodega", "lote", "transportador", "estado", "estado_almacenado",
		"motivo", "emitido", "expira", "confirmado",
	})
	for _, qr := range qrs {
		records = append(records, []string{
			qr.ID, qr.OrderID, qr.WarehouseID, qr.BatchID, qr.TransporterID,
			string(qr.EffectiveStatus(now)), string(qr.Status), qr.StatusReason,
			formatTime(qr.IssuedAt), formatTime(qr.ExpiresAt), formatTimePtr(qr.ConfirmedAt),
		})
	}
	records = append(records, []string{})

	records = append(records, []string{"Incidentes"}, []string{
		"ticket_id", "pedido", "factura", "referencia", "cantidad", "transportador",
		"prioridad", "estado", "creado_por", "creado", "asunto",
	})
	for _, t := range tickets {
		md := t.Metadata
		records = append(records, []string{
			t.ID, md["order_id"], md["invoice_number"], md["product_reference"], md["defective_quantity"],
			md["transporter_id"], t.Priority, t.Status, t.CreatedBy, formatTime(t.CreatedAt), t.Subject,
		})
	}
	records = append(records, []string{})

	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	records = append(records, []string{"Acciones auditadas"}, []string{"accion", "cantidad"})
	for _, name := range names {
		records = append(records, []string{name, strconv.Itoa(actions[name])})
	}

	for _, rec := range records {
		for i, cell := range rec {
			rec[i] = spreadsheetSafe(cell)
		}
	}
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	return buf.Bytes(), nil
}

// spreadsheetSafe quotes cells that a spreadsheet would evaluate as a formula.
func spreadsheetSafe(cell string) string {
	if cell != "" && strings.ContainsRune("=+-@\t\r", rune(cell[0])) {
		return "'" + cell
	}
	return cell
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
