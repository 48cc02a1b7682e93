package report

import (
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"delivery-guard/internal/audit"
	"delivery-guard/internal/bucketing"
	"delivery-guard/internal/config"
	"delivery-guard/internal/models"
	"delivery-guard/internal/policy"
	"delivery-guard/internal/repository/memory"
)

type failingCounter struct{}

func (failingCounter) Name() string { return "broken" }

func (failingCounter) CountActions(context.Context, time.Time, time.Time) (map[string]int, error) {
	return nil, errors.New("clickhouse down")
}

func TestExportSections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memory.NewStore()

	seed := []models.DeliveryQRToken{
		{ID: "qr-pending", OrderID: "o1", Status: models.QRStatusPending, IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)},
		{ID: "qr-stale", OrderID: "o2", Status: models.QRStatusPending, IssuedAt: now.Add(-96 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)},
		{ID: "qr-done", OrderID: "o3", Status: models.QRStatusConfirmedWithIncident, IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(time.Hour)},
		{ID: "qr-old", OrderID: "o4", Status: models.QRStatusConfirmed, IssuedAt: now.AddDate(0, 0, -60), ExpiresAt: now.AddDate(0, 0, -57)},
	}
	for i := range seed {
		if err := store.CreateQRToken(ctx, &seed[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateTicket(ctx, &models.ClaimsTicket{
		ID: "t1", Type: models.TicketTypeClaim, Priority: models.TicketPriorityHigh, CreatedAt: now.Add(-time.Hour),
		Metadata: map[string]string{"order_id": "o3", "invoice_number": "FV-1"},
	}); err != nil {
		t.Fatal(err)
	}

	writer := audit.NewWriter(store, bucketing.NewBucketingManager(config.BucketingConfig{EventBuckets: 4})).WithClock(clock)
	writer.Record(ctx, audit.Event{EntityType: models.EntityDeliveryQR, EntityID: "qr-done", Action: models.ActionDeliveryConfirmedDefect})

	exp := NewExporter(store, store, store, writer, policy.Default(), failingCounter{}, NewAuditLogCounter(store)).WithClock(clock)
	out, err := exp.Export(ctx, ExportRequest{AdminID: "admin-1"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if out.FileName != "reporte-entregas-qr-2026-03-10.csv" {
		t.Errorf("unexpected file name %q", out.FileName)
	}
	if out.QRCount != 3 || out.Incidents != 1 {
		t.Errorf("expected 3 qrs and 1 incident in the default window, got %d and %d", out.QRCount, out.Incidents)
	}

	r := csv.NewReader(strings.NewReader(string(out.Content)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("report is not valid csv: %v", err)
	}

	summary := map[string]string{}
	for _, rec := range records[2:8] {
		summary[rec[0]] = rec[1]
	}
	want := map[string]string{
		"pendiente": "1", "expirado": "1", "confirmado_con_incidente": "1", "confirmado": "0", "incidentes": "1",
	}
	for k, v := range want {
		if summary[k] != v {
			t.Errorf("summary %s = %q, want %q", k, summary[k], v)
		}
	}

	if !strings.Contains(string(out.Content), "qr-stale,o2,,,,expirado,pendiente") {
		t.Error("stale token should report expirado with its stored status alongside")
	}
	if !strings.Contains(string(out.Content), models.ActionDeliveryConfirmedDefect+",1") {
		t.Error("expected audit action counts from the fallback counter")
	}

	entries := store.AuditEntries()
	if last := entries[len(entries)-1]; last.Action != models.ActionReportExported || last.ActorID != "admin-1" {
		t.Errorf("expected report_exported audit, got %+v", last)
	}
}

func TestExportQuotesFormulaCells(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore()

	if err := store.CreateQRToken(ctx, &models.DeliveryQRToken{
		ID: "qr-1", OrderID: "o1", TransporterID: "-2+3", Status: models.QRStatusRejected,
		StatusReason: "@SUM(1+1)*cmd", IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTicket(ctx, &models.ClaimsTicket{
		ID: "t1", Type: models.TicketTypeClaim, CreatedAt: now.Add(-time.Hour),
		Metadata: map[string]string{
			"invoice_number":    `=HYPERLINK("http://evil.example/x","FV-1")`,
			"product_reference": "+cmd|' /C calc'!A0",
			"order_id":          "A&B",
		},
	}); err != nil {
		t.Fatal(err)
	}

	writer := audit.NewWriter(store, bucketing.NewBucketingManager(config.BucketingConfig{EventBuckets: 4}))
	out, err := NewExporter(store, store, store, writer, policy.Default()).WithClock(func() time.Time { return now }).
		Export(ctx, ExportRequest{AdminID: "admin-1"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	r := csv.NewReader(strings.NewReader(string(out.Content)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("report is not valid csv: %v", err)
	}

	cells := map[string]bool{}
	for _, rec := range records {
		for _, cell := range rec {
			if cell != "" && strings.ContainsRune("=+-@", rune(cell[0])) {
				t.Errorf("formula cell reaches the report: %q", cell)
			}
			cells[cell] = true
		}
	}
	for _, want := range []string{
		`'=HYPERLINK("http://evil.example/x","FV-1")`,
		"'+cmd|' /C calc'!A0",
		"'@SUM(1+1)*cmd",
		"'-2+3",
		"A&B",
	} {
		if !cells[want] {
			t.Errorf("expected cell %q in report", want)
		}
	}
}

func TestExportIncludesQRsTouchedInRange(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memory.NewStore()

	seed := []models.DeliveryQRToken{
		{ID: "qr-new", OrderID: "o1", Status: models.QRStatusPending, IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)},
		{ID: "qr-early", OrderID: "o2", Status: models.QRStatusConfirmed, IssuedAt: now.AddDate(0, 0, -3), ExpiresAt: now.Add(time.Hour)},
		{ID: "qr-quiet", OrderID: "o3", Status: models.QRStatusPending, IssuedAt: now.AddDate(0, 0, -3), ExpiresAt: now.Add(time.Hour)},
	}
	for i := range seed {
		if err := store.CreateQRToken(ctx, &seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	writer := audit.NewWriter(store, bucketing.NewBucketingManager(config.BucketingConfig{EventBuckets: 4})).WithClock(clock)
	writer.Record(ctx, audit.Event{EntityType: models.EntityDeliveryQR, EntityID: "qr-early", Action: models.ActionDeliveryConfirmed})
	writer.Record(ctx, audit.Event{EntityType: models.EntityDeliveryQR, EntityID: "qr-missing", Action: models.ActionDeliveryConfirmed})

	out, err := NewExporter(store, store, store, writer, policy.Default()).WithClock(clock).Export(ctx, ExportRequest{
		From: now.Add(-24 * time.Hour),
		To:   now,
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	content := string(out.Content)
	if out.QRCount != 2 {
		t.Errorf("QRCount = %d, want 2", out.QRCount)
	}
	if !strings.Contains(content, "qr-early,o2,") {
		t.Error("qr confirmed inside the range must be listed even if issued earlier")
	}
	if strings.Contains(content, "qr-quiet") {
		t.Error("qr issued and untouched outside the range must not be listed")
	}
	if strings.Index(content, "qr-early") > strings.Index(content, "qr-new") {
		t.Error("detail rows should stay ordered by issue time")
	}
}
