package bucketing

import (
	"testing"
	"time"

	"delivery-guard/internal/config"
)

func TestAssignStableAndBounded(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{EventBuckets: 16})
	at := time.Date(2025, 4, 2, 23, 30, 0, 0, time.FixedZone("COT", -5*3600))

	a := bm.Assign("qr-123", at)
	b := bm.Assign("qr-123", at)
	if a != b {
		t.Fatalf("assignment not stable: %+v vs %+v", a, b)
	}
	if a.Day != "2025-04-03" {
		t.Fatalf("day = %s, want UTC day 2025-04-03", a.Day)
	}

	for i := 0; i < 500; i++ {
		if got := bm.EventBucket(string(rune('a'+i%26)) + time.Duration(i).String()); got < 0 || got >= 16 {
			t.Fatalf("bucket %d out of range", got)
		}
	}
	if len(bm.Buckets()) != 16 {
		t.Fatalf("buckets = %v", bm.Buckets())
	}
}

func TestZeroBucketsFallsBackToOne(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	if got := bm.EventBucket("anything"); got != 0 {
		t.Fatalf("bucket = %d", got)
	}
}
