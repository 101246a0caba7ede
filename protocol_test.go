package main

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeResponse(t *testing.T) {
	resp := AnnounceResponse{
		Peers:    string([]byte{1, 2, 3, 4, 0x1a, 0xe1}),
		Interval: 1800,
	}
	got := encodeResponse(resp)
	assert.Equal(t, "d8:intervali1800e5:peers6:\x01\x02\x03\x04\x1a\xe16:peers60:e", string(got))
}

func TestEncodeFailure(t *testing.T) {
	got := encodeFailure("access denied")
	assert.Equal(t, "d14:failure reason13:access deniede", string(got))
}

func TestReadCommandReply(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeResponse(AnnounceResponse{Peers: "abcdef", Interval: 900}))
	buf.Write(encodeFailure("bad"))
	r := bufio.NewReader(&buf)

	reply, err := readCommandReply(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", reply.Peers)
	assert.Equal(t, int64(900), reply.Interval)
	assert.Empty(t, reply.Failure)

	reply, err = readCommandReply(r)
	require.NoError(t, err)
	assert.Equal(t, "bad", reply.Failure)

	_, err = readCommandReply(r)
	assert.Error(t, err, "stream is drained")
}

func TestReadCommandReply_Garbage(t *testing.T) {
	_, err := readCommandReply(bufio.NewReader(strings.NewReader("not bencode")))
	assert.Error(t, err)
}

func TestDecodeCompactPeers(t *testing.T) {
	v6 := netip.MustParseAddr("2001:db8::1").As16()
	peers6 := string(append(v6[:], 0x00, 0x50))
	peers := string([]byte{10, 0, 0, 1, 0x1a, 0xe1, 9, 9}) // trailing partial entry

	got := decodeCompactPeers(peers, peers6)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:6881"),
		netip.MustParseAddrPort("[2001:db8::1]:80"),
	}, got)
}

func TestLookupEvent(t *testing.T) {
	for _, e := range []Event{EventStarted, EventCompleted, EventStopped} {
		got, ok := lookupEvent(e.String())
		assert.True(t, ok)
		assert.Equal(t, e, got)
	}
	_, ok := lookupEvent("STOPPED")
	assert.False(t, ok)
	assert.Equal(t, EventStarted, parseEvent("whatever"))
}

func TestSignRelay(t *testing.T) {
	secret := deriveSecret("hunter2")
	assert.Equal(t, sha256.Sum256([]byte("hunter2")), secret)

	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte("a=1&b=2"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signRelay(secret, "a=1&b=2"))
	assert.NotEqual(t, signRelay(secret, "a=1&b=2"), signRelay(secret, "a=1&b=3"))
	assert.NotEqual(t, signRelay(secret, "a=1"), signRelay(deriveSecret("other"), "a=1"))
}
