package main

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_WithCreates(t *testing.T) {
	r := NewRegistry(time.Hour)
	called := false
	ok := r.With(1, true, func(si *SeederInfo) {
		called = true
		si.Insert(7, testPeer(7))
	})
	assert.True(t, ok)
	assert.True(t, called)
	assert.Equal(t, 1, r.Len())

	r.With(1, false, func(si *SeederInfo) {
		assert.Equal(t, 1, si.Len())
	})
}

func TestRegistry_WithoutCreateAllocatesNothing(t *testing.T) {
	r := NewRegistry(time.Hour)
	ok := r.With(1, false, func(*SeederInfo) {
		t.Fatal("fn must not run for an unknown torrent")
	})
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ExpiredTorrentIsEvictedOnAccess(t *testing.T) {
	clock := useFakeClock(t)
	r := NewRegistry(time.Minute)
	var released []TorrentID
	r.onRelease = func(id TorrentID) { released = append(released, id) }

	r.With(1, true, func(si *SeederInfo) { si.Insert(7, testPeer(7)) })
	clock.advance(time.Minute + time.Second)

	ok := r.With(1, false, func(*SeederInfo) {
		t.Fatal("expired torrent must not be visible")
	})
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, []TorrentID{1}, released)

	// A fresh create after expiry starts from scratch.
	r.With(1, true, func(si *SeederInfo) {
		assert.Equal(t, 0, si.Len())
	})
}

func TestRegistry_AccessRefreshesDeadline(t *testing.T) {
	clock := useFakeClock(t)
	r := NewRegistry(time.Minute)
	r.With(1, true, func(*SeederInfo) {})

	clock.advance(50 * time.Second)
	require.True(t, r.With(1, false, func(*SeederInfo) {}))
	clock.advance(50 * time.Second)
	assert.True(t, r.With(1, false, func(*SeederInfo) {}))
}

func TestRegistry_Sweep(t *testing.T) {
	clock := useFakeClock(t)
	r := NewRegistry(time.Minute)
	var released atomic.Int32
	r.onRelease = func(TorrentID) { released.Add(1) }

	r.With(1, true, func(*SeederInfo) {})
	r.With(2, true, func(*SeederInfo) {})
	clock.advance(30 * time.Second)
	r.With(3, true, func(*SeederInfo) {})
	clock.advance(31 * time.Second)

	assert.Equal(t, 2, r.Sweep())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int32(2), released.Load())
	assert.Equal(t, 0, r.Sweep())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(time.Hour)
	var released atomic.Int32
	r.onRelease = func(TorrentID) { released.Add(1) }

	for id := TorrentID(1); id <= 5; id++ {
		r.With(id, true, func(si *SeederInfo) { si.Insert(1, testPeer(1)) })
	}
	r.Close()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int32(5), released.Load())
}

func TestRegistry_ReleaseOnce(t *testing.T) {
	clock := useFakeClock(t)
	r := NewRegistry(time.Minute)
	var released atomic.Int32
	r.onRelease = func(TorrentID) { released.Add(1) }

	r.With(1, true, func(*SeederInfo) {})
	clock.advance(2 * time.Minute)

	// Lazy eviction and the sweep race for the same slot.
	r.With(1, false, func(*SeederInfo) {})
	r.Sweep()
	r.Close()
	assert.Equal(t, int32(1), released.Load())
}

func TestRegistry_ConcurrentAnnounces(t *testing.T) {
	r := NewRegistry(time.Hour)
	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				tid := TorrentID(i % 8)
				uid := UserID(w*perWorker + i)
				r.With(tid, true, func(si *SeederInfo) {
					si.Insert(uid, testPeer(1))
					if i%3 == 0 {
						si.Delete(uid)
					}
				})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, r.Len())
	total := 0
	for tid := TorrentID(0); tid < 8; tid++ {
		r.With(tid, false, func(si *SeederInfo) { total += si.Len() })
	}
	deleted := 0
	for i := range perWorker {
		if i%3 == 0 {
			deleted++
		}
	}
	assert.Equal(t, workers*(perWorker-deleted), total)
}
