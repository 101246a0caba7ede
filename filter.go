package main

import (
	"sync"
	"sync/atomic"

	boom "github.com/tylertreat/BoomFilters"
)

const (
	filterBatchSize       = 32
	filterDefaultCapacity = 8192
	filterMinCapacity     = 64
)

type filterOp struct {
	key string
	del bool
}

// PasskeyFilter answers "is this passkey known" for every announce. Writes are
// queued and folded into a counting bloom filter in batches; Contains checks
// the queue too, so a write is visible as soon as Insert returns.
//
// Lock order: mu, then pendingMu. Contains holds mu for reading across both
// lookups so a concurrent fold cannot move a key out of the queue between them.
type PasskeyFilter struct {
	inner     *boom.CountingBloomFilter
	metrics   *metrics
	pending   []filterOp
	capacity  atomic.Int64
	amount    atomic.Int64
	expanding atomic.Bool
	mu        sync.RWMutex
	pendingMu sync.RWMutex
}

func NewPasskeyFilter(m *metrics) *PasskeyFilter {
	if m == nil {
		m = newMetrics(nil)
	}
	f := &PasskeyFilter{
		inner:   newCountingBloom(filterDefaultCapacity),
		pending: make([]filterOp, 0, filterBatchSize*2),
		metrics: m,
	}
	f.capacity.Store(filterDefaultCapacity)
	f.updateGauges()
	return f
}

func (f *PasskeyFilter) Insert(key string) {
	f.enqueue(filterOp{key: key})
}

func (f *PasskeyFilter) Delete(key string) {
	f.enqueue(filterOp{key: key, del: true})
}

func (f *PasskeyFilter) enqueue(op filterOp) {
	f.pendingMu.Lock()
	f.pending = append(f.pending, op)
	n := len(f.pending)
	f.pendingMu.Unlock()

	if n > filterBatchSize && !f.expanding.Load() {
		f.flush()
	}
}

// flush folds the queued batch unless an expansion owns the queue.
func (f *PasskeyFilter) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expanding.Load() {
		return
	}
	f.fold(f.takePending())
}

// takePending swaps out the queue. Callers hold mu.
func (f *PasskeyFilter) takePending() []filterOp {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	ops := f.pending
	f.pending = make([]filterOp, 0, filterBatchSize*2)
	return ops
}

// fold applies ops to the current filter. Callers hold mu.
//
// A delete of a key that no longer tests present is a no-op, so repeating a
// Delete is harmless. A repeat that still tests present through other keys'
// counters does decrement them and can hide one of those keys until the next
// Expand rebuilds the filter from the source.
func (f *PasskeyFilter) fold(ops []filterOp) {
	for _, op := range ops {
		if op.del {
			if f.inner.TestAndRemove([]byte(op.key)) {
				f.amount.Add(-1)
			}
			continue
		}
		f.inner.Add([]byte(op.key))
		f.amount.Add(1)
	}
	f.updateGauges()
}

// Contains reports whether key may be a known passkey. It never returns false
// for a key whose latest write was an Insert.
func (f *PasskeyFilter) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.inner.Test([]byte(key)) {
		return true
	}

	f.pendingMu.RLock()
	defer f.pendingMu.RUnlock()
	for i := len(f.pending) - 1; i >= 0; i-- {
		if f.pending[i].key == key {
			return !f.pending[i].del
		}
	}
	return false
}

// CheckExpand reports whether the filter holds more keys than it was sized
// for and no expansion is running.
func (f *PasskeyFilter) CheckExpand() bool {
	return !f.expanding.Load() && f.amount.Load() > f.capacity.Load()
}

// Expand rebuilds the filter from keys, sized at 1.5x len(keys). Only one
// expansion runs at a time; a caller that loses the race returns false at once
// and its queued writes stay queued.
//
// Writes that arrive during the rebuild are replayed into the new filter,
// except deletes: the new filter may not hold those keys, and dropping a
// counter it never raised could hide another key.
func (f *PasskeyFilter) Expand(keys []string) bool {
	f.mu.Lock()
	if f.expanding.Load() {
		f.mu.Unlock()
		return false
	}
	// Keep in-flight writes readable from the old filter during the rebuild.
	// expanding is only raised under mu, after the queue is taken, so every
	// write that observes it lands in the replay.
	f.fold(f.takePending())
	f.expanding.Store(true)
	f.mu.Unlock()
	defer f.expanding.Store(false)

	newCap := max(len(keys)*3/2, filterMinCapacity)
	next := newCountingBloom(newCap)
	f.capacity.Store(int64(newCap))

	var amount int64
	for _, k := range keys {
		next.Add([]byte(k))
		amount++
	}

	f.mu.Lock()
	replayed := 0
	for _, op := range f.takePending() {
		if op.del {
			continue
		}
		next.Add([]byte(op.key))
		amount++
		replayed++
	}
	f.inner = next
	f.amount.Store(amount)
	f.mu.Unlock()

	f.updateGauges()
	f.metrics.filterExpansions.Inc()
	info("expanded passkey filter: capacity=%d keys=%d replayed=%d", newCap, len(keys), replayed)
	return true
}

// Len is the number of keys folded into the filter.
func (f *PasskeyFilter) Len() int64 {
	return f.amount.Load()
}

func (f *PasskeyFilter) Capacity() int64 {
	return f.capacity.Load()
}

func (f *PasskeyFilter) updateGauges() {
	f.metrics.filterItems.Set(float64(f.amount.Load()))
	f.metrics.filterCapacity.Set(float64(f.capacity.Load()))
}
