package main

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net/netip"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// Announce protocol constants
const (
	commandAnnounce = "ANNOUNCE"
	noAddress       = "none" // placeholder for an absent address family

	minAnnounceArgs = 5 // torrent, user, ipv4, ipv6, port

	defaultNumWant  = 50
	defaultInterval = 1800 // (seconds) between reannounces

	compactPeerSizeV4 = 6  // IPv4:4 + port:2
	compactPeerSizeV6 = 18 // IPv6:16 + port:2
)

// Event is the announce event. The zero value is EventStarted.
type Event uint8

const (
	EventStarted Event = iota
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "started"
	}
}

// lookupEvent recognizes an event keyword.
func lookupEvent(s string) (Event, bool) {
	switch s {
	case "started":
		return EventStarted, true
	case "completed":
		return EventCompleted, true
	case "stopped":
		return EventStopped, true
	}
	return EventStarted, false
}

// parseEvent is lenient: anything but a known keyword means started.
func parseEvent(s string) Event {
	e, _ := lookupEvent(s)
	return e
}

// AnnounceResponse is the bencoded tracker reply. Peers and Peers6 hold the
// compact binary peer lists.
type AnnounceResponse struct {
	Peers    string `bencode:"peers"`
	Peers6   string `bencode:"peers6"`
	Interval int64  `bencode:"interval"`
}

func (r AnnounceResponse) NumPeers() int {
	return len(r.Peers)/compactPeerSizeV4 + len(r.Peers6)/compactPeerSizeV6
}

type failureResponse struct {
	Reason string `bencode:"failure reason"`
}

func writeResponse(w io.Writer, resp AnnounceResponse) error {
	return bencode.Marshal(w, resp)
}

func writeFailure(w io.Writer, reason string) error {
	return bencode.Marshal(w, failureResponse{Reason: reason})
}

func encodeResponse(resp AnnounceResponse) []byte {
	var buf bytes.Buffer
	if err := writeResponse(&buf, resp); err != nil {
		// Marshalling a flat struct of strings and ints into memory cannot fail.
		panic(err)
	}
	return buf.Bytes()
}

func encodeFailure(reason string) []byte {
	var buf bytes.Buffer
	if err := writeFailure(&buf, reason); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// commandReply is either an AnnounceResponse or a failure, as read back by a
// command client.
type commandReply struct {
	Failure  string `bencode:"failure reason"`
	Peers    string `bencode:"peers"`
	Peers6   string `bencode:"peers6"`
	Interval int64  `bencode:"interval"`
}

// readCommandReply decodes one reply. r must be reused across replies on the
// same stream, since the decoder buffers ahead of the reply it returns.
func readCommandReply(r *bufio.Reader) (commandReply, error) {
	var reply commandReply
	if err := bencode.Unmarshal(r, &reply); err != nil {
		return reply, errors.Wrap(err, "decode reply")
	}
	return reply, nil
}

// decodeCompactPeers expands compact peer strings, IPv4 peers first.
// Trailing partial entries are ignored.
func decodeCompactPeers(peers, peers6 string) []netip.AddrPort {
	ret := make([]netip.AddrPort, 0, len(peers)/compactPeerSizeV4+len(peers6)/compactPeerSizeV6)
	for ; len(peers) >= compactPeerSizeV4; peers = peers[compactPeerSizeV4:] {
		addr := netip.AddrFrom4([4]byte([]byte(peers[:4])))
		ret = append(ret, netip.AddrPortFrom(addr, binary.BigEndian.Uint16([]byte(peers[4:6]))))
	}
	for ; len(peers6) >= compactPeerSizeV6; peers6 = peers6[compactPeerSizeV6:] {
		addr := netip.AddrFrom16([16]byte([]byte(peers6[:16])))
		ret = append(ret, netip.AddrPortFrom(addr, binary.BigEndian.Uint16([]byte(peers6[16:18]))))
	}
	return ret
}

// Relay signing

// signRelay returns hex(HMAC-SHA256(secret, query)). The backend recomputes it
// to make sure reports come from this tracker.
func signRelay(secret [32]byte, query string) string {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// deriveSecret turns the configured secret string into the HMAC key
func deriveSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}
