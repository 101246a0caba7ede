package main

import "github.com/pkg/errors"

type seederKind uint8

const (
	kindInline seederKind = iota
	kindMulti
)

func (k seederKind) String() string {
	if k == kindMulti {
		return "multi"
	}
	return "inline"
}

// demoteBelow is the live count under which a compacted SeederMap goes back inline.
const demoteBelow = 3

// SeederInfo is one torrent's registry: an inline array for small swarms that
// is promoted to a SeederMap on overflow and demoted back after compaction.
// Exactly one of inline/multi is meaningful, selected by kind.
//
// It does no locking; the registry store serializes access per torrent.
type SeederInfo struct {
	multi  *SeederMap
	inline SeederArray
	kind   seederKind
}

func NewSeederInfo() *SeederInfo {
	return &SeederInfo{kind: kindInline}
}

func (si *SeederInfo) Kind() seederKind {
	return si.kind
}

func (si *SeederInfo) Insert(key UserID, p PeerInfo) {
	switch si.kind {
	case kindMulti:
		si.multi.Insert(key, p)
	default:
		err := si.inline.Insert(key, p)
		if errors.Is(err, ErrCapacity) {
			sm := seederMapFromArray(&si.inline)
			sm.Insert(key, p)
			si.multi, si.inline, si.kind = sm, SeederArray{}, kindMulti
		}
	}
}

func (si *SeederInfo) Delete(key UserID) {
	switch si.kind {
	case kindMulti:
		si.multi.Delete(key)
	default:
		si.inline.Delete(key)
	}
}

// Compaction expires stale peers and demotes a small SeederMap. A failed
// demotion leaves the map in place.
func (si *SeederInfo) Compaction() {
	switch si.kind {
	case kindMulti:
		si.multi.Compaction()
		if si.multi.Len() >= demoteBelow {
			return
		}
		sa, err := seederArrayFromMap(si.multi)
		if err != nil {
			return
		}
		si.multi, si.inline, si.kind = nil, sa, kindInline
	default:
		si.inline.Compaction()
	}
}

// AppendResponse serializes up to numWant peers into the compact buffers.
func (si *SeederInfo) AppendResponse(numWant int, peers, peers6 []byte) ([]byte, []byte) {
	if si.kind == kindMulti {
		return si.multi.AppendResponse(numWant, peers, peers6)
	}
	return si.inline.AppendResponse(peers, peers6)
}

func (si *SeederInfo) Get(key UserID) (PeerInfo, bool) {
	if si.kind == kindMulti {
		return si.multi.Get(key)
	}
	return si.inline.Get(key)
}

func (si *SeederInfo) Len() int {
	if si.kind == kindMulti {
		return si.multi.Len()
	}
	return si.inline.Len()
}

// Release drops every entry. The registry store calls it exactly once, when
// the owning torrent slot is evicted.
func (si *SeederInfo) Release() {
	si.multi, si.inline, si.kind = nil, SeederArray{}, kindInline
}
