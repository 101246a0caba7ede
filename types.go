package main

import (
	"encoding/hex"
	"net/netip"
	"time"

	"github.com/anacrolix/generics"
)

// TorrentID and UserID are the accounts-store identifiers carried by an announce.
// A UserID is the peer key inside one torrent's registry.
type (
	TorrentID int64
	UserID    int64
)

// PeerID is the 20-byte client-chosen identifier sent with every announce.
type PeerID [20]byte

// NewPeerID creates a PeerID from a byte slice.
// If b > 20 bytes, only the first 20 are used.
func NewPeerID(b []byte) PeerID {
	var id PeerID
	copy(id[:], b)
	return id
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// peerTTL is how long a registry entry or an idle torrent survives without an announce.
const peerTTL = 2700 * time.Second

// timeNow is swapped by tests that need to move past expiry deadlines.
var timeNow = time.Now

// PeerInfo is one peer's reachable addresses. Presence of each family is kept
// in explicit flags so "no IPv6" differs from "::".
type PeerInfo struct {
	ipv6  [16]byte
	ipv4  [4]byte
	port  uint16
	hasV4 bool
	hasV6 bool
}

// NewPeerInfo builds a PeerInfo. An IPv4 option holding an IPv4-mapped IPv6
// address is unmapped first.
func NewPeerInfo(ipv4, ipv6 generics.Option[netip.Addr], port uint16) PeerInfo {
	p := PeerInfo{port: port}
	if ipv4.Ok && ipv4.Value.Unmap().Is4() {
		p.ipv4 = ipv4.Value.Unmap().As4()
		p.hasV4 = true
	}
	if ipv6.Ok && ipv6.Value.IsValid() {
		p.ipv6 = ipv6.Value.As16()
		p.hasV6 = true
	}
	return p
}

func (p PeerInfo) IPv4() generics.Option[netip.Addr] {
	if !p.hasV4 {
		return generics.None[netip.Addr]()
	}
	return generics.Some(netip.AddrFrom4(p.ipv4))
}

func (p PeerInfo) IPv6() generics.Option[netip.Addr] {
	if !p.hasV6 {
		return generics.None[netip.Addr]()
	}
	return generics.Some(netip.AddrFrom16(p.ipv6))
}

func (p PeerInfo) Port() uint16 {
	return p.port
}

// Update merges other into p. Families absent from other are left untouched,
// so an IPv6-only announce never clears a known IPv4 address.
func (p *PeerInfo) Update(other PeerInfo) {
	if other.hasV4 {
		p.ipv4 = other.ipv4
		p.hasV4 = true
	}
	if other.hasV6 {
		p.ipv6 = other.ipv6
		p.hasV6 = true
	}
	if other.port != 0 {
		p.port = other.port
	}
}

// appendCompact writes p into the BEP 23 / BEP 7 compact buffers:
// 4-byte IPv4 + 2-byte port into peers, 16-byte IPv6 + 2-byte port into peers6.
func (p *PeerInfo) appendCompact(peers, peers6 []byte) ([]byte, []byte) {
	if p.hasV4 {
		peers = append(peers, p.ipv4[:]...)
		peers = append(peers, byte(p.port>>8), byte(p.port))
	}
	if p.hasV6 {
		peers6 = append(peers6, p.ipv6[:]...)
		peers6 = append(peers6, byte(p.port>>8), byte(p.port))
	}
	return peers, peers6
}

// bucket is one registry slot.
type bucket struct {
	expires int64 // unix seconds
	key     UserID
	peer    PeerInfo
}

func newBucket(key UserID, p PeerInfo) bucket {
	return bucket{expires: nextExpiry(), key: key, peer: p}
}

func nextExpiry() int64 {
	return timeNow().Add(peerTTL).Unix()
}
