package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"delivery-guard/internal/bucketing"
	"delivery-guard/internal/config"
	"delivery-guard/internal/models"
	"delivery-guard/internal/repository/memory"
)

type recordingSink struct {
	name    string
	fail    bool
	entries []*models.AuditLogEntry
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, e *models.AuditLogEntry) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.entries = append(s.entries, e)
	return nil
}

type failingRepo struct{ *memory.Store }

func (failingRepo) AppendAudit(context.Context, *models.AuditLogEntry) error {
	return errors.New("scylla unavailable")
}

func TestRecordAppendsAndFansOut(t *testing.T) {
	store := memory.NewStore()
	ok := &recordingSink{name: "ok"}
	broken := &recordingSink{name: "broken", fail: true}
	w := NewWriter(store, bucketing.NewBucketingManager(config.BucketingConfig{EventBuckets: 8}), broken, ok)
	w.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }

	entry := w.Record(context.Background(), Event{
		EntityType: models.EntityOTPChallenge,
		EntityID:   "c1",
		Action:     models.ActionOTPRequested,
		ActorType:  models.ActorCustomer,
		Request:    models.RequestContext{RequestID: "r1", IP: "10.0.0.1", UserAgent: "ua", Device: "android"},
		Metadata:   map[string]string{"destination": "*********4567"},
	})

	stored := store.AuditEntries()
	if len(stored) != 1 || stored[0].ID != entry.ID {
		t.Fatalf("stored entries = %+v", stored)
	}
	if stored[0].Day != "2025-06-01" || stored[0].DeviceInfo != "android | ua" {
		t.Fatalf("entry fields = %+v", stored[0])
	}
	if len(ok.entries) != 1 {
		t.Fatal("healthy sink skipped after a failing one")
	}
}

func TestRecordSurvivesPrimaryFailure(t *testing.T) {
	sink := &recordingSink{name: "ok"}
	w := NewWriter(failingRepo{memory.NewStore()}, bucketing.NewBucketingManager(config.BucketingConfig{EventBuckets: 1}), sink)

	entry := w.Record(context.Background(), Event{EntityType: "x", EntityID: "1", Action: "a", ActorType: models.ActorSystem})
	if entry == nil {
		t.Fatal("Record returned nil")
	}
	if len(sink.entries) != 0 {
		t.Fatal("entry fanned out although the primary write failed")
	}
}
