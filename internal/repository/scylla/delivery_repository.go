package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"golang.org/x/sync/errgroup"

	"delivery-guard/internal/bucketing"
	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/util"
)

const partitionScanLimit = 8

const (
	insertQRToken = `INSERT INTO delivery_qr_tokens (
		qr_id, token_fingerprint, order_id, warehouse_id, batch_id, transporter_id,
		status, status_reason, issued_at, expires_at, confirmed_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	insertQRByDay = `INSERT INTO delivery_qr_by_day (issued_day, bucket, issued_at, qr_id) VALUES (?, ?, ?, ?)`

	selectQRToken = `SELECT qr_id, token_fingerprint, order_id, warehouse_id, batch_id, transporter_id,
		status, status_reason, issued_at, expires_at, confirmed_at, updated_at
		FROM delivery_qr_tokens WHERE qr_id = ?`

	transitionQRStatus = `UPDATE delivery_qr_tokens
		SET status = ?, status_reason = ?, confirmed_at = ?, updated_at = ?
		WHERE qr_id = ? IF status = ?`

	selectQRByDay = `SELECT qr_id FROM delivery_qr_by_day
		WHERE issued_day = ? AND bucket = ? AND issued_at >= ? AND issued_at <= ?`
)

// DeliveryRepository stores QR tokens with a day/bucket index for reporting.
type DeliveryRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewDeliveryRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *DeliveryRepository {
	return &DeliveryRepository{client: client, buckets: buckets}
}

var _ repository.QRTokenRepository = (*DeliveryRepository)(nil)

func (r *DeliveryRepository) CreateQRToken(ctx context.Context, qr *models.DeliveryQRToken) error {
	applied, err := r.client.applyCAS(r.client.Query(ctx, insertQRToken,
		qr.ID, qr.TokenFingerprint, qr.OrderID, qr.WarehouseID, qr.BatchID, qr.TransporterID,
		string(qr.Status), qr.StatusReason, qr.IssuedAt, qr.ExpiresAt, qr.ConfirmedAt, qr.UpdatedAt))
	if err != nil {
		util.Error("Failed to create QR token", util.String("qr_id", qr.ID), util.ErrorField(err))
		return fmt.Errorf("failed to create qr token: %w", err)
	}
	if !applied {
		return fmt.Errorf("qr token %s already exists", qr.ID)
	}

	a := r.buckets.Assign(qr.ID, qr.IssuedAt)
	if err := r.client.ExecuteWithRetry(r.client.Query(ctx, insertQRByDay, a.Day, a.Bucket, qr.IssuedAt, qr.ID), 2); err != nil {
		util.Error("Failed to index QR token", util.String("qr_id", qr.ID), util.ErrorField(err))
		return fmt.Errorf("failed to index qr token: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) GetQRToken(ctx context.Context, qrID string) (*models.DeliveryQRToken, error) {
	var (
		qr     models.DeliveryQRToken
		status string
	)
	err := r.client.ScanWithRetry(r.client.Query(ctx, selectQRToken, qrID),
		&qr.ID, &qr.TokenFingerprint, &qr.OrderID, &qr.WarehouseID, &qr.BatchID, &qr.TransporterID,
		&status, &qr.StatusReason, &qr.IssuedAt, &qr.ExpiresAt, &qr.ConfirmedAt, &qr.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get qr token: %w", err)
	}
	qr.Status = models.QRStatus(status)
	return &qr, nil
}

func (r *DeliveryRepository) TransitionQRStatus(ctx context.Context, qrID string, from, to models.QRStatus, reason string, at time.Time) (bool, error) {
	var confirmedAt *time.Time
	if to == models.QRStatusConfirmed || to == models.QRStatusConfirmedWithIncident {
		confirmedAt = &at
	}
	applied, err := r.client.applyCAS(r.client.Query(ctx, transitionQRStatus,
		string(to), reason, confirmedAt, at, qrID, string(from)))
	if err != nil {
		return false, fmt.Errorf("failed to transition qr token: %w", err)
	}
	if !applied {
		util.Debug("QR transition not applied",
			util.String("qr_id", qrID),
			util.String("from", string(from)),
			util.String("to", string(to)))
	}
	return applied, nil
}

func (r *DeliveryRepository) ListQRTokensIssuedBetween(ctx context.Context, from, to time.Time) ([]*models.DeliveryQRToken, error) {
	ids, err := scanPartitions(ctx, repository.DayRange(from, to), r.buckets.Buckets(), func(ctx context.Context, day string, bucket int) ([]string, error) {
		iter := r.client.Query(ctx, selectQRByDay, day, bucket, from, to).Iter()
		var (
			id  string
			out []string
		)
		for iter.Scan(&id) {
			out = append(out, id)
		}
		return out, iter.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list qr index: %w", err)
	}

	tokens := make([]*models.DeliveryQRToken, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(partitionScanLimit)
	for i, id := range ids {
		g.Go(func() error {
			qr, err := r.GetQRToken(gctx, id)
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			tokens[i] = qr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := tokens[:0]
	for _, qr := range tokens {
		if qr != nil {
			out = append(out, qr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// scanPartitions fans a per-partition read out over every (day, bucket)
// pair and concatenates the results.
func scanPartitions[T any](ctx context.Context, days []string, buckets []int, read func(ctx context.Context, day string, bucket int) ([]T, error)) ([]T, error) {
	results := make([][]T, len(days)*len(buckets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(partitionScanLimit)
	for di, day := range days {
		for bi, bucket := range buckets {
			slot := di*len(buckets) + bi
			g.Go(func() error {
				rows, err := read(gctx, day, bucket)
				results[slot] = rows
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []T
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, nil
}
