package scylla

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestScanPartitionsVisitsEveryPair(t *testing.T) {
	days := []string{"2026-01-01", "2026-01-02"}
	buckets := []int{0, 1, 2}

	got, err := scanPartitions(context.Background(), days, buckets, func(_ context.Context, day string, bucket int) ([]string, error) {
		return []string{day + "#" + string(rune('0'+bucket))}, nil
	})
	if err != nil {
		t.Fatalf("scanPartitions: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("got %d rows, want 6", len(got))
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("results should keep day then bucket order: %v", got)
	}
}

func TestScanPartitionsPropagatesErrors(t *testing.T) {
	boom := errors.New("read timeout")
	_, err := scanPartitions(context.Background(), []string{"2026-01-01"}, []int{0, 1}, func(_ context.Context, _ string, bucket int) ([]int, error) {
		if bucket == 1 {
			return nil, boom
		}
		return []int{1}, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
}
