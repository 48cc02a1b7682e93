package report

import (
	"context"
	"fmt"
	"time"

	"delivery-guard/internal/client"
	"delivery-guard/internal/repository"
)

// ActionCounter counts audit entries per action inside a time range.
type ActionCounter interface {
	Name() string
	CountActions(ctx context.Context, from, to time.Time) (map[string]int, error)
}

const countActionsQuery = `
SELECT action, count() AS total
FROM delivery_audit_events
WHERE created_at >= ? AND created_at <= ?
GROUP BY action`

// ClickHouseCounter reads the analytics copy of the audit log.
type ClickHouseCounter struct {
	ch *client.ClickHouseClient
}

func NewClickHouseCounter(ch *client.ClickHouseClient) *ClickHouseCounter {
	return &ClickHouseCounter{ch: ch}
}

func (c *ClickHouseCounter) Name() string { return "clickhouse" }

func (c *ClickHouseCounter) CountActions(ctx context.Context, from, to time.Time) (map[string]int, error) {
	rows, err := c.ch.QueryRows(ctx, countActionsQuery, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query action counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			action string
			total  uint64
		)
		if err := rows.Scan(&action, &total); err != nil {
			return nil, fmt.Errorf("failed to scan action count: %w", err)
		}
		counts[action] = int(total)
	}
	return counts, rows.Err()
}

// AuditLogCounter counts straight from the primary audit store.
type AuditLogCounter struct {
	repo repository.AuditRepository
}

func NewAuditLogCounter(repo repository.AuditRepository) *AuditLogCounter {
	return &AuditLogCounter{repo: repo}
}

func (c *AuditLogCounter) Name() string { return "audit_log" }

func (c *AuditLogCounter) CountActions(ctx context.Context, from, to time.Time) (map[string]int, error) {
	entries, err := c.repo.ListAuditBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Action]++
	}
	return counts, nil
}
