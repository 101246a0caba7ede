package main

import (
	"github.com/cespare/xxhash"
	boom "github.com/tylertreat/BoomFilters"
)

const (
	bloomBucketBits = 4 // counters saturate at 15
	bloomFPRate     = 0.05
)

// newCountingBloom sizes a counting bloom filter for capacity keys. Buckets
// saturate instead of wrapping and never go below zero. It does no locking.
func newCountingBloom(capacity int) *boom.CountingBloomFilter {
	b := boom.NewCountingBloomFilter(uint(max(capacity, 1)), bloomBucketBits, bloomFPRate)
	b.SetHash(xxhash.New())
	return b
}
