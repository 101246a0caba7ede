package main

import (
	"context"
	"sync"
	"time"
)

// Registry is the host store for per-torrent SeederInfo values. Each torrent
// lives in its own slot whose mutex serializes every operation on that
// torrent; different torrents proceed in parallel.
//
// A slot expires peerTTL after its last access. Expired slots are evicted
// lazily on access and by cleanupLoop, and every eviction path goes through
// release, which frees the SeederInfo exactly once.
type Registry struct {
	torrents  map[TorrentID]*torrentSlot
	onRelease func(TorrentID)
	idleTTL   time.Duration
	mu        sync.RWMutex
}

type torrentSlot struct {
	info    *SeederInfo
	expires time.Time
	once    sync.Once
	mu      sync.Mutex
	evicted bool
}

func NewRegistry(idleTTL time.Duration) *Registry {
	return &Registry{
		torrents: make(map[TorrentID]*torrentSlot),
		idleTTL:  idleTTL,
	}
}

// With runs fn against the torrent's SeederInfo while holding the torrent's
// lock, and refreshes the torrent's idle deadline afterwards. When the torrent
// is unknown (or expired) and create is false, fn is not called, nothing is
// allocated and With returns false.
func (r *Registry) With(id TorrentID, create bool, fn func(si *SeederInfo)) bool {
	for {
		slot := r.lookup(id, create)
		if slot == nil {
			return false
		}

		slot.mu.Lock()
		if slot.evicted {
			// Lost a race with eviction; look the key up again.
			slot.mu.Unlock()
			continue
		}
		if timeNow().After(slot.expires) {
			slot.mu.Unlock()
			r.evictIfExpired(id, slot)
			continue
		}

		fn(slot.info)
		slot.expires = timeNow().Add(r.idleTTL)
		slot.mu.Unlock()
		return true
	}
}

func (r *Registry) lookup(id TorrentID, create bool) *torrentSlot {
	r.mu.RLock()
	slot, ok := r.torrents[id]
	r.mu.RUnlock()
	if ok || !create {
		return slot
	}

	r.mu.Lock()
	if slot, ok = r.torrents[id]; ok {
		r.mu.Unlock()
		return slot
	}
	slot = &torrentSlot{
		info:    NewSeederInfo(),
		expires: timeNow().Add(r.idleTTL),
	}
	r.torrents[id] = slot
	n := len(r.torrents)
	r.mu.Unlock()

	if debugEnabled.Load() {
		debug("created registry for torrent %d (%d live)", id, n)
	}
	return slot
}

// evictIfExpired removes the slot if it is still mapped under id and its
// deadline has passed. Lock ordering: registry -> torrent.
func (r *Registry) evictIfExpired(id TorrentID, slot *torrentSlot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.torrents[id]; !ok || cur != slot {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !timeNow().After(slot.expires) {
		return false
	}
	delete(r.torrents, id)
	r.release(id, slot)
	return true
}

// release is the single path that frees a slot. Callers hold slot.mu.
func (r *Registry) release(id TorrentID, slot *torrentSlot) {
	slot.once.Do(func() {
		slot.evicted = true
		slot.info.Release()
		slot.info = nil
		if r.onRelease != nil {
			r.onRelease(id)
		}
	})
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.torrents)
}

// Sweep evicts every expired torrent and returns how many were evicted.
func (r *Registry) Sweep() int {
	// Snapshot to allow concurrent announces during the sweep
	r.mu.RLock()
	ids := make([]TorrentID, 0, len(r.torrents))
	slots := make([]*torrentSlot, 0, len(r.torrents))
	for id, slot := range r.torrents {
		ids = append(ids, id)
		slots = append(slots, slot)
	}
	r.mu.RUnlock()

	evicted := 0
	for i, id := range ids {
		if r.evictIfExpired(id, slots[i]) {
			evicted++
		}
	}
	return evicted
}

// Close releases every torrent regardless of its deadline.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, slot := range r.torrents {
		slot.mu.Lock()
		r.release(id, slot)
		slot.mu.Unlock()
		delete(r.torrents, id)
	}
}

// cleanupLoop periodically runs Sweep until ctx is canceled
func (r *Registry) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				debug("cleanup: evicted %d idle torrents", n)
			}
		}
	}
}
