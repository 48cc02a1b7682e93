package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"delivery-guard/internal/client"
	"delivery-guard/internal/models"
)

// KafkaSink streams entries keyed by entity id so each entity's history stays ordered.
type KafkaSink struct {
	producer *client.KafkaProducer
}

func NewKafkaSink(p *client.KafkaProducer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, entry *models.AuditLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	return s.producer.Produce(ctx, []byte(entry.EntityID), payload, map[string]string{
		"action":      entry.Action,
		"entity_type": entry.EntityType,
	})
}

const insertAuditEvent = `INSERT INTO delivery_audit_events
	(audit_id, created_at, entity_type, entity_id, action, actor_type, actor_id, request_id, ip, metadata)`

// ClickHouseSink feeds the analytics table the report reads action counts from.
type ClickHouseSink struct {
	ch *client.ClickHouseClient
}

func NewClickHouseSink(ch *client.ClickHouseClient) *ClickHouseSink {
	return &ClickHouseSink{ch: ch}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Publish(ctx context.Context, e *models.AuditLogEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return s.ch.BatchInsert(ctx, insertAuditEvent, [][]interface{}{{
		e.ID, e.CreatedAt, e.EntityType, e.EntityID, e.Action,
		string(e.ActorType), e.ActorID, e.RequestID, e.IP, metadata,
	}})
}
