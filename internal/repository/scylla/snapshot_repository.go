package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
)

const (
	upsertSnapshot = `INSERT INTO order_view_snapshots (qr_id, view, generated_at) VALUES (?, ?, ?)`
	selectSnapshot = `SELECT view FROM order_view_snapshots WHERE qr_id = ?`
)

// SnapshotRepository keeps the materialized order view of each QR as JSON.
type SnapshotRepository struct {
	client *ScyllaClient
}

func NewSnapshotRepository(client *ScyllaClient) *SnapshotRepository {
	return &SnapshotRepository{client: client}
}

var _ repository.SnapshotRepository = (*SnapshotRepository)(nil)

func (r *SnapshotRepository) GetSnapshot(ctx context.Context, qrID string) (*models.OrderView, error) {
	var raw string
	if err := r.client.ScanWithRetry(r.client.Query(ctx, selectSnapshot, qrID), &raw); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order snapshot: %w", err)
	}

	var view models.OrderView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, fmt.Errorf("failed to decode order snapshot: %w", err)
	}
	return &view, nil
}

func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, qrID string, view *models.OrderView) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode order snapshot: %w", err)
	}
	if err := r.client.ExecuteWithRetry(r.client.Query(ctx, upsertSnapshot, qrID, string(raw), view.GeneratedAt), 2); err != nil {
		return fmt.Errorf("failed to save order snapshot: %w", err)
	}
	return nil
}
