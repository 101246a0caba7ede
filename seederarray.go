package main

import "github.com/pkg/errors"

const seederArrayLen = 4

// SeederArray stores up to seederArrayLen peers inline. It never evicts: a
// full array rejects new keys so the owner can promote to a SeederMap.
type SeederArray struct {
	seeders [seederArrayLen]bucket
	inUse   [seederArrayLen]bool
}

// Insert merges p into key's slot and refreshes its expiry, or claims the
// first free slot. Returns ErrCapacity when all slots hold other keys.
func (sa *SeederArray) Insert(key UserID, p PeerInfo) error {
	for i := range sa.seeders {
		if sa.inUse[i] && sa.seeders[i].key == key {
			sa.seeders[i].peer.Update(p)
			sa.seeders[i].expires = nextExpiry()
			return nil
		}
	}
	for i := range sa.seeders {
		if !sa.inUse[i] {
			sa.seeders[i] = newBucket(key, p)
			sa.inUse[i] = true
			return nil
		}
	}
	return ErrCapacity
}

func (sa *SeederArray) Delete(key UserID) {
	for i := range sa.seeders {
		if sa.inUse[i] && sa.seeders[i].key == key {
			sa.inUse[i] = false
			return
		}
	}
}

// Compaction frees every slot whose expiry has passed.
func (sa *SeederArray) Compaction() {
	now := timeNow().Unix()
	for i := range sa.seeders {
		if sa.inUse[i] && now > sa.seeders[i].expires {
			sa.inUse[i] = false
		}
	}
}

func (sa *SeederArray) Get(key UserID) (PeerInfo, bool) {
	for i := range sa.seeders {
		if sa.inUse[i] && sa.seeders[i].key == key {
			return sa.seeders[i].peer, true
		}
	}
	return PeerInfo{}, false
}

func (sa *SeederArray) Len() int {
	n := 0
	for _, used := range sa.inUse {
		if used {
			n++
		}
	}
	return n
}

// AppendResponse serializes every live entry. The array is small enough that
// numwant is not applied.
func (sa *SeederArray) AppendResponse(peers, peers6 []byte) ([]byte, []byte) {
	for i := range sa.seeders {
		if sa.inUse[i] {
			peers, peers6 = sa.seeders[i].peer.appendCompact(peers, peers6)
		}
	}
	return peers, peers6
}

func (sa *SeederArray) each(fn func(b *bucket)) {
	for i := range sa.seeders {
		if sa.inUse[i] {
			fn(&sa.seeders[i])
		}
	}
}

// seederArrayFromMap downgrades sm. It fails when sm holds seederArrayLen or
// more entries.
func seederArrayFromMap(sm *SeederMap) (SeederArray, error) {
	var sa SeederArray
	if n := sm.Len(); n >= seederArrayLen {
		return sa, errors.Wrapf(ErrCapacity, "%d seeders do not fit inline", n)
	}
	var err error
	sm.each(func(key UserID, p *PeerInfo) {
		if err == nil {
			err = sa.Insert(key, *p)
		}
	})
	return sa, err
}
