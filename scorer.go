package doccache

import "math/bits"

// DefaultBuckets is the number of eviction buckets.
const DefaultBuckets = 20

// Scorer places cacheable entries into eviction buckets.
// Higher buckets are evicted first.
type Scorer interface {
	Bucket(size int64, accessCount int, buckets int) int
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(size int64, accessCount int, buckets int) int

func (f ScorerFunc) Bucket(size int64, accessCount int, buckets int) int {
	return f(size, accessCount, buckets)
}

// Log2Scorer scores by floor(log2(size)) / accessCount - 1, so large
// rarely used entries age out before small popular ones.
// Entries never attached to stay in bucket 0.
type Log2Scorer struct{}

func (Log2Scorer) Bucket(size int64, accessCount int, buckets int) int {
	if accessCount <= 0 || buckets <= 0 {
		return 0
	}
	idx := log2(size)/accessCount - 1
	if idx < 0 {
		return 0
	}
	if idx >= buckets {
		return buckets - 1
	}
	return idx
}

// log2 is floor(log2(n)), and 0 for n <= 1.
func log2(n int64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(uint64(n)) - 1
}
