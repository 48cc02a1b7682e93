package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"delivery-guard/internal/bucketing"
	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
)

const (
	insertAudit = `INSERT INTO delivery_audit_log (
		event_day, event_bucket, created_at, audit_id, entity_type, entity_id, action,
		actor_type, actor_id, request_id, ip, device_info, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectAuditRange = `SELECT event_day, event_bucket, created_at, audit_id, entity_type, entity_id, action,
		actor_type, actor_id, request_id, ip, device_info, metadata
		FROM delivery_audit_log
		WHERE event_day = ? AND event_bucket = ? AND created_at >= ? AND created_at <= ?`
)

// AuditRepository only ever inserts. Rows are spread over day/bucket partitions.
type AuditRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewAuditRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *AuditRepository {
	return &AuditRepository{client: client, buckets: buckets}
}

var _ repository.AuditRepository = (*AuditRepository)(nil)

func (r *AuditRepository) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	query := r.client.Query(ctx, insertAudit,
		e.Day, e.Bucket, e.CreatedAt, e.ID, e.EntityType, e.EntityID, e.Action,
		string(e.ActorType), e.ActorID, e.RequestID, e.IP, e.DeviceInfo, e.Metadata)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepository) ListAuditBetween(ctx context.Context, from, to time.Time) ([]*models.AuditLogEntry, error) {
	entries, err := scanPartitions(ctx, repository.DayRange(from, to), r.buckets.Buckets(), func(ctx context.Context, day string, bucket int) ([]*models.AuditLogEntry, error) {
		iter := r.client.Query(ctx, selectAuditRange, day, bucket, from, to).Iter()
		var out []*models.AuditLogEntry
		for {
			var (
				e         models.AuditLogEntry
				actorType string
			)
			if !iter.Scan(&e.Day, &e.Bucket, &e.CreatedAt, &e.ID, &e.EntityType, &e.EntityID, &e.Action,
				&actorType, &e.ActorID, &e.RequestID, &e.IP, &e.DeviceInfo, &e.Metadata) {
				break
			}
			e.ActorType = models.ActorType(actorType)
			out = append(out, &e)
		}
		return out, iter.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}
