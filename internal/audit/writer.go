// Package audit appends security-relevant facts to the audit log and fans
// them out to analytics sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"delivery-guard/internal/bucketing"
	"delivery-guard/internal/metrics"
	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/util"
)

const sinkTimeout = 2 * time.Second

// Sink receives a copy of every entry after the primary store accepted it.
type Sink interface {
	Name() string
	Publish(ctx context.Context, entry *models.AuditLogEntry) error
}

type Event struct {
	EntityType string
	EntityID   string
	Action     string
	ActorType  models.ActorType
	ActorID    string
	Request    models.RequestContext
	Metadata   map[string]string
}

type Writer struct {
	repo    repository.AuditRepository
	buckets *bucketing.BucketingManager
	sinks   []Sink
	now     func() time.Time
}

func NewWriter(repo repository.AuditRepository, buckets *bucketing.BucketingManager, sinks ...Sink) *Writer {
	return &Writer{repo: repo, buckets: buckets, sinks: sinks, now: time.Now}
}

func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Record never fails the caller. A failed primary write is logged at error
// level and counted so it reaches monitoring; sink failures are logged and counted too.
func (w *Writer) Record(ctx context.Context, ev Event) *models.AuditLogEntry {
	now := w.now().UTC()
	assignment := w.buckets.Assign(ev.EntityID, now)

	entry := &models.AuditLogEntry{
		ID:         uuid.NewString(),
		Bucket:     assignment.Bucket,
		Day:        assignment.Day,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Action:     ev.Action,
		ActorType:  ev.ActorType,
		ActorID:    ev.ActorID,
		RequestID:  ev.Request.RequestID,
		IP:         ev.Request.IP,
		DeviceInfo: deviceInfo(ev.Request),
		Metadata:   ev.Metadata,
		CreatedAt:  now,
	}

	if err := w.repo.AppendAudit(ctx, entry); err != nil {
		metrics.AuditSinkFailuresTotal.WithLabelValues("primary").Inc()
		util.Error("Audit write failed",
			util.String("action", entry.Action),
			util.String("entity_type", entry.EntityType),
			util.String("entity_id", entry.EntityID),
			util.String("request_id", entry.RequestID),
			util.ErrorField(err))
		return entry
	}

	for _, sink := range w.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
		if err := sink.Publish(sctx, entry); err != nil {
			metrics.AuditSinkFailuresTotal.WithLabelValues(sink.Name()).Inc()
			util.Warn("Audit sink publish failed",
				util.String("sink", sink.Name()),
				util.String("audit_id", entry.ID),
				util.ErrorField(err))
		}
		cancel()
	}

	return entry
}

func deviceInfo(rc models.RequestContext) string {
	switch {
	case rc.Device != "" && rc.UserAgent != "":
		return rc.Device + " | " + rc.UserAgent
	case rc.Device != "":
		return rc.Device
	default:
		return rc.UserAgent
	}
}
