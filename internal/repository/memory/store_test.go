package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"delivery-guard/internal/models"
	"delivery-guard/internal/repository"
)

func TestTransitionQRStatusOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()
	_ = s.CreateQRToken(ctx, &models.DeliveryQRToken{ID: "q1", Status: models.QRStatusPending, IssuedAt: now, ExpiresAt: now.Add(time.Hour)})

	var applied int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TransitionQRStatus(ctx, "q1", models.QRStatusPending, models.QRStatusExpired, "", now)
			if err != nil {
				t.Error(err)
			}
			if ok {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("applied %d transitions, want 1", applied)
	}
	qr, _ := s.GetQRToken(ctx, "q1")
	if qr.Status != models.QRStatusExpired {
		t.Fatalf("status = %s", qr.Status)
	}
}

func TestChallengeOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.CreateChallenge(ctx, &models.OTPChallenge{ID: "c1", QRID: "q1", MaxAttempts: 5})

	if _, err := s.GetChallenge(ctx, "q2", "c1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign qr lookup err = %v", err)
	}
	if _, err := s.RecordFailedAttempt(ctx, "q2", "c1", 0); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign qr attempt err = %v", err)
	}
}

func TestMarkVerifiedSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.CreateChallenge(ctx, &models.OTPChallenge{ID: "c1", QRID: "q1", MaxAttempts: 5})

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.MarkVerified(ctx, "q1", "c1", 0, time.Now()); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d", wins)
	}
	c, _ := s.GetChallenge(ctx, "q1", "c1")
	if c.Attempts != 1 || c.VerifiedAt == nil {
		t.Fatalf("challenge after verify: %+v", c)
	}
	if ok, _ := s.RecordFailedAttempt(ctx, "q1", "c1", 1); ok {
		t.Fatal("failed attempt recorded on a verified challenge")
	}
}

func TestConsumeSessionOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.CreateSession(ctx, &models.ValidationSession{ID: "s1", QRID: "q1"})

	first, _ := s.ConsumeSession(ctx, "s1", time.Now())
	second, _ := s.ConsumeSession(ctx, "s1", time.Now())
	if !first || second {
		t.Fatalf("consume results = %v, %v", first, second)
	}
}

func TestDayRange(t *testing.T) {
	from := time.Date(2025, 1, 30, 22, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 1, 1, 0, 0, 0, time.UTC)
	got := repository.DayRange(from, to)
	want := []string{"2025-01-30", "2025-01-31", "2025-02-01"}
	if len(got) != len(want) {
		t.Fatalf("days = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("days = %v", got)
		}
	}
}
