package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"authwatch/internal/config"
)

// BucketingManager spreads event and address partition keys across a
// fixed number of buckets so no single Scylla partition grows without
// bound under heavy traffic from one source.
type BucketingManager struct {
	eventBuckets   int
	addressBuckets int
	hasherPool     sync.Pool
	config         *config.Config
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		eventBuckets:   cfg.Bucketing.EventBuckets,
		addressBuckets: cfg.Bucketing.AddressBuckets,
		config:         cfg,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// EventBucket returns the consistent bucket for an event id
// (0 to eventBuckets-1).
func (bm *BucketingManager) EventBucket(eventID string) int {
	return bm.getBucket(eventID, bm.eventBuckets)
}

// AddressBucket returns the consistent bucket for a network address.
func (bm *BucketingManager) AddressBucket(address string) int {
	return bm.getBucket(address, bm.addressBuckets)
}

// TimeBucket aligns a timestamp down to a window boundary; used for
// windowed analytics keys.
func (bm *BucketingManager) TimeBucket(at time.Time, window time.Duration) int64 {
	sec := int64(window.Seconds())
	if sec <= 0 {
		return at.Unix()
	}
	return at.Unix() / sec * sec
}

// DateBucket returns the UTC date partition for a timestamp.
func (bm *BucketingManager) DateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// EventBuckets returns the configured number of event buckets.
func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

// AddressBuckets returns the configured number of address buckets.
func (bm *BucketingManager) AddressBuckets() int {
	return bm.addressBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
