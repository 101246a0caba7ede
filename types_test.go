package main

import (
	"net/netip"
	"testing"
	"time"

	"github.com/anacrolix/generics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock pins timeNow for the duration of a test.
type fakeClock struct {
	now time.Time
}

func useFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	c := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	orig := timeNow
	timeNow = func() time.Time { return c.now }
	t.Cleanup(func() { timeNow = orig })
	return c
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func addr(s string) generics.Option[netip.Addr] {
	return generics.Some(netip.MustParseAddr(s))
}

func none() generics.Option[netip.Addr] {
	return generics.None[netip.Addr]()
}

func TestNewPeerID(t *testing.T) {
	id := NewPeerID([]byte("-UT3550-abcdefghijklmnop"))
	assert.Equal(t, "-UT3550-abcdefghijkl", string(id[:]))
	assert.Equal(t, "2d5554333535302d6162636465666768696a6b6c", id.String())
}

func TestNewPeerInfo_UnmapsIPv4(t *testing.T) {
	p := NewPeerInfo(addr("::ffff:1.2.3.4"), none(), 6881)
	require.True(t, p.IPv4().Ok)
	assert.Equal(t, netip.MustParseAddr("1.2.3.4"), p.IPv4().Value)
	assert.False(t, p.IPv6().Ok)
	assert.Equal(t, uint16(6881), p.Port())
}

func TestNewPeerInfo_RejectsIPv6AsIPv4(t *testing.T) {
	p := NewPeerInfo(addr("2001:db8::1"), none(), 6881)
	assert.False(t, p.IPv4().Ok)
}

func TestPeerInfoUpdate_MergesFamilies(t *testing.T) {
	p := NewPeerInfo(addr("1.2.3.4"), none(), 6881)
	p.Update(NewPeerInfo(none(), addr("2001:db8::1"), 6881))

	require.True(t, p.IPv4().Ok)
	require.True(t, p.IPv6().Ok)
	assert.Equal(t, netip.MustParseAddr("1.2.3.4"), p.IPv4().Value)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), p.IPv6().Value)
}

func TestPeerInfoUpdate_Port(t *testing.T) {
	p := NewPeerInfo(addr("1.2.3.4"), none(), 6881)

	p.Update(NewPeerInfo(none(), none(), 0))
	assert.Equal(t, uint16(6881), p.Port(), "zero port keeps the old one")

	p.Update(NewPeerInfo(none(), none(), 51413))
	assert.Equal(t, uint16(51413), p.Port())
}

func TestPeerInfoUpdate_OverwritesSameFamily(t *testing.T) {
	p := NewPeerInfo(addr("1.2.3.4"), none(), 6881)
	p.Update(NewPeerInfo(addr("5.6.7.8"), none(), 6881))
	assert.Equal(t, netip.MustParseAddr("5.6.7.8"), p.IPv4().Value)
}

func TestAppendCompact(t *testing.T) {
	p := NewPeerInfo(addr("1.2.3.4"), addr("2001:db8::1"), 0x1ae1)
	peers, peers6 := p.appendCompact(nil, nil)

	assert.Equal(t, []byte{1, 2, 3, 4, 0x1a, 0xe1}, peers)
	require.Len(t, peers6, compactPeerSizeV6)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1").AsSlice(), peers6[:16])
	assert.Equal(t, []byte{0x1a, 0xe1}, peers6[16:])
}

func TestAppendCompact_NoAddress(t *testing.T) {
	p := NewPeerInfo(none(), none(), 6881)
	peers, peers6 := p.appendCompact(nil, nil)
	assert.Empty(t, peers)
	assert.Empty(t, peers6)
}

func TestNextExpiry(t *testing.T) {
	clock := useFakeClock(t)
	assert.Equal(t, clock.now.Unix()+2700, nextExpiry())
}
