package main

import (
	"math/rand"

	"github.com/elliotchance/orderedmap"
)

// SeederMap keeps two insertion-ordered generations of UserID -> *PeerInfo.
// Writes land in the live generation. Compaction discards the passive
// generation wholesale and flips, so an entry not refreshed across two flips
// disappears without being visited.
type SeederMap struct {
	gens      [2]*orderedmap.OrderedMap
	compactAt int64 // unix seconds
	live      uint8
}

func NewSeederMap() *SeederMap {
	return &SeederMap{
		gens:      [2]*orderedmap.OrderedMap{orderedmap.NewOrderedMap(), orderedmap.NewOrderedMap()},
		compactAt: nextExpiry(),
	}
}

// seederMapFromArray promotes a full inline array.
func seederMapFromArray(sa *SeederArray) *SeederMap {
	sm := NewSeederMap()
	sa.each(func(b *bucket) {
		sm.Insert(b.key, b.peer)
	})
	return sm
}

func (sm *SeederMap) liveGen() *orderedmap.OrderedMap    { return sm.gens[sm.live] }
func (sm *SeederMap) passiveGen() *orderedmap.OrderedMap { return sm.gens[sm.live^1] }

// Insert refreshes key in the live generation, moving and merging it out of
// the passive generation when that is where it was last seen.
func (sm *SeederMap) Insert(key UserID, p PeerInfo) {
	live, passive := sm.liveGen(), sm.passiveGen()
	if v, ok := live.Get(key); ok {
		v.(*PeerInfo).Update(p)
		return
	}
	if v, ok := passive.Get(key); ok {
		old := v.(*PeerInfo)
		old.Update(p)
		passive.Delete(key)
		live.Set(key, old)
		return
	}
	fresh := p
	live.Set(key, &fresh)
}

func (sm *SeederMap) Delete(key UserID) {
	sm.gens[0].Delete(key)
	sm.gens[1].Delete(key)
}

// Compaction flips generations once the deadline passed. It is O(1): the
// passive generation is replaced, not scanned.
func (sm *SeederMap) Compaction() {
	now := timeNow()
	if now.Unix() <= sm.compactAt {
		return
	}
	sm.gens[sm.live^1] = orderedmap.NewOrderedMap()
	sm.compactAt = now.Add(peerTTL).Unix()
	sm.live ^= 1
}

func (sm *SeederMap) Get(key UserID) (PeerInfo, bool) {
	for _, g := range []*orderedmap.OrderedMap{sm.liveGen(), sm.passiveGen()} {
		if v, ok := g.Get(key); ok {
			return *v.(*PeerInfo), true
		}
	}
	return PeerInfo{}, false
}

// Len counts live and passive entries together.
func (sm *SeederMap) Len() int {
	return sm.gens[0].Len() + sm.gens[1].Len()
}

// AppendResponse serializes up to numWant entries starting at a random offset
// into live-then-passive order. The offset never wraps: when fewer than
// numWant entries exist, all of them are returned.
func (sm *SeederMap) AppendResponse(numWant int, peers, peers6 []byte) ([]byte, []byte) {
	total := sm.Len()
	maxSkip := 0
	if total > numWant {
		maxSkip = total - numWant
	}
	//nolint:gosec // G404: math/rand acceptable for peer selection
	skip := rand.Intn(maxSkip + 1)
	taken := 0
	sm.each(func(_ UserID, p *PeerInfo) {
		if skip > 0 {
			skip--
			return
		}
		if taken >= numWant {
			return
		}
		peers, peers6 = p.appendCompact(peers, peers6)
		taken++
	})
	return peers, peers6
}

func (sm *SeederMap) each(fn func(key UserID, p *PeerInfo)) {
	for _, g := range []*orderedmap.OrderedMap{sm.liveGen(), sm.passiveGen()} {
		for el := g.Front(); el != nil; el = el.Next() {
			fn(el.Key.(UserID), el.Value.(*PeerInfo))
		}
	}
}

