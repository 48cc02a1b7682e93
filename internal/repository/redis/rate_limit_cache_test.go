package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"delivery-guard/internal/client"
)

func newTestLimiter(t *testing.T, now *time.Time) *RateLimitCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRateLimitCache(client.WrapRedisClient(rdb)).WithClock(func() time.Time { return *now })
}

func TestSlidingWindowCeiling(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, &now)

	var allowed int
	for i := 0; i < 5; i++ {
		r, err := l.Reserve(ctx, "qr:dest", 3, 15*time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if r.Allowed {
			allowed++
		} else if i < 3 {
			t.Fatalf("request %d refused", i+1)
		}
		now = now.Add(time.Second)
	}
	if allowed != 3 {
		t.Fatalf("allowed = %d, want 3", allowed)
	}
}

func TestSlidingWindowElapses(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, &now)

	for i := 0; i < 3; i++ {
		if _, err := l.Reserve(ctx, "k", 3, 15*time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(5 * time.Minute)
	r, _ := l.Reserve(ctx, "k", 3, 15*time.Minute)
	if r.Allowed {
		t.Fatal("allowed inside window")
	}
	if r.RetryAfter != 10*time.Minute {
		t.Fatalf("retry after = %v", r.RetryAfter)
	}

	now = now.Add(10*time.Minute + time.Millisecond)
	r, _ = l.Reserve(ctx, "k", 3, 15*time.Minute)
	if !r.Allowed {
		t.Fatal("refused after window elapsed")
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, &now)

	r, _ := l.Reserve(ctx, "k", 1, time.Minute)
	if !r.Allowed {
		t.Fatal("first reservation refused")
	}
	if again, _ := l.Reserve(ctx, "k", 1, time.Minute); again.Allowed {
		t.Fatal("limit of one not enforced")
	}
	if err := l.Release(ctx, r); err != nil {
		t.Fatal(err)
	}
	if again, _ := l.Reserve(ctx, "k", 1, time.Minute); !again.Allowed {
		t.Fatal("released slot was not freed")
	}
}
