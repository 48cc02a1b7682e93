// Package bucketing spreads day-partitioned rows over a fixed number of
// buckets so a busy day does not become one hot partition.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"delivery-guard/internal/config"
)

type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

// Assignment places one row: its UTC day and its bucket within that day.
type Assignment struct {
	Day    string `json:"day"`
	Bucket int    `json:"bucket"`
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	n := cfg.EventBuckets
	if n <= 0 {
		n = 1
	}
	return &BucketingManager{
		eventBuckets: n,
		hasherPool: sync.Pool{
			New: func() interface{} { return murmur3.New64() },
		},
	}
}

// Assign is stable for a given key and time.
func (bm *BucketingManager) Assign(key string, at time.Time) Assignment {
	return Assignment{
		Day:    at.UTC().Format("2006-01-02"),
		Bucket: bm.EventBucket(key),
	}
}

func (bm *BucketingManager) EventBucket(key string) int {
	return int(bm.hash(key) % uint64(bm.eventBuckets))
}

// Buckets enumerates every bucket number, used when scanning a whole day.
func (bm *BucketingManager) Buckets() []int {
	out := make([]int, bm.eventBuckets)
	for i := range out {
		out[i] = i
	}
	return out
}

func (bm *BucketingManager) hash(key string) uint64 {
	h := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
