package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"delivery-guard/internal/client"
	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
	"delivery-guard/internal/util"
)

const snapshotPrefix = "order_view:"

// SnapshotCache is a read-through Redis layer in front of the durable snapshot store.
type SnapshotCache struct {
	client *client.RedisClient
	next   repository.SnapshotRepository
	ttl    time.Duration
}

var _ repository.SnapshotRepository = (*SnapshotCache)(nil)

func NewSnapshotCache(client *client.RedisClient, next repository.SnapshotRepository, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, next: next, ttl: ttl}
}

func (c *SnapshotCache) GetSnapshot(ctx context.Context, qrID string) (*models.OrderView, error) {
	cctx, cancel := c.client.WithContext(ctx, 2*time.Second)
	raw, err := c.client.Client.Get(cctx, snapshotPrefix+qrID).Bytes()
	cancel()

	if err == nil {
		var view models.OrderView
		if jerr := json.Unmarshal(raw, &view); jerr == nil {
			return &view, nil
		}
		util.Warn("Discarding unreadable cached order view", util.String("qr_id", qrID))
	} else if !errors.Is(err, goredis.Nil) {
		util.Warn("Order view cache read failed", util.String("qr_id", qrID), util.ErrorField(err))
	}

	view, err := c.next.GetSnapshot(ctx, qrID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, qrID, view)
	return view, nil
}

func (c *SnapshotCache) SaveSnapshot(ctx context.Context, qrID string, view *models.OrderView) error {
	if err := c.next.SaveSnapshot(ctx, qrID, view); err != nil {
		return err
	}
	c.store(ctx, qrID, view)
	return nil
}

func (c *SnapshotCache) store(ctx context.Context, qrID string, view *models.OrderView) {
	payload, err := json.Marshal(view)
	if err != nil {
		util.Warn("Failed to encode order view", util.String("qr_id", qrID), util.ErrorField(err))
		return
	}
	cctx, cancel := c.client.WithContext(ctx, 2*time.Second)
	defer cancel()
	if err := c.client.Set(cctx, snapshotPrefix+qrID, payload, c.ttl); err != nil {
		util.Warn("Order view cache write failed", util.String("qr_id", qrID), util.ErrorField(fmt.Errorf("set: %w", err)))
	}
}
