package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"delivery-guard/internal/repository"
)

// RateLimiter is the in-process sliding window used when Redis is disabled.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]map[string]time.Time
	now     func() time.Time
}

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{windows: make(map[string]map[string]time.Time), now: now}
}

func (l *RateLimiter) Reserve(_ context.Context, key string, limit int, window time.Duration) (*repository.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entries := l.windows[key]
	if entries == nil {
		entries = make(map[string]time.Time)
		l.windows[key] = entries
	}

	var oldest time.Time
	for m, at := range entries {
		if !at.After(now.Add(-window)) {
			delete(entries, m)
			continue
		}
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}

	if len(entries) >= limit {
		return &repository.Reservation{
			Key:        key,
			Allowed:    false,
			Count:      len(entries),
			RetryAfter: oldest.Add(window).Sub(now),
		}, nil
	}

	member := uuid.NewString()
	entries[member] = now
	return &repository.Reservation{Key: key, Member: member, Allowed: true, Count: len(entries)}, nil
}

func (l *RateLimiter) Release(_ context.Context, r *repository.Reservation) error {
	if r == nil || !r.Allowed {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows[r.Key], r.Member)
	return nil
}
