package main

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/anacrolix/generics"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AnnounceCommand is a normalized announce:
//
//	ANNOUNCE <torrent_id> <user_id> <ipv4|none> <ipv6|none> <port> [numwant] [event]
type AnnounceCommand struct {
	Peer    PeerInfo
	Torrent TorrentID
	User    UserID
	NumWant int
	Event   Event
}

func (c AnnounceCommand) String() string {
	ipv4, ipv6 := noAddress, noAddress
	if a := c.Peer.IPv4(); a.Ok {
		ipv4 = a.Value.String()
	}
	if a := c.Peer.IPv6(); a.Ok {
		ipv6 = a.Value.String()
	}
	return strings.Join([]string{
		commandAnnounce,
		strconv.FormatInt(int64(c.Torrent), 10),
		strconv.FormatInt(int64(c.User), 10),
		ipv4,
		ipv6,
		strconv.Itoa(int(c.Peer.Port())),
		strconv.Itoa(c.NumWant),
		c.Event.String(),
	}, " ")
}

// parseCommandLine splits one textual command and parses it.
func parseCommandLine(line string) (AnnounceCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.EqualFold(fields[0], commandAnnounce) {
		return AnnounceCommand{}, requestErrorf("unknown command")
	}
	return parseAnnounceArgs(fields[1:])
}

// parseAnnounceArgs parses the positional announce fields (without the verb).
// The sixth field is the event when it is an event keyword and numwant otherwise.
func parseAnnounceArgs(args []string) (AnnounceCommand, error) {
	if len(args) < minAnnounceArgs {
		return AnnounceCommand{}, requestErrorf("expected at least %d arguments, got %d", minAnnounceArgs, len(args))
	}

	cmd := AnnounceCommand{NumWant: defaultNumWant, Event: EventStarted}

	tid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return AnnounceCommand{}, requestErrorf("torrent id %q", args[0])
	}
	uid, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return AnnounceCommand{}, requestErrorf("user id %q", args[1])
	}
	ipv4, err := parseAddrArg(args[2], true)
	if err != nil {
		return AnnounceCommand{}, err
	}
	ipv6, err := parseAddrArg(args[3], false)
	if err != nil {
		return AnnounceCommand{}, err
	}
	port, err := strconv.ParseUint(args[4], 10, 16)
	if err != nil {
		return AnnounceCommand{}, requestErrorf("port %q", args[4])
	}

	rest := args[minAnnounceArgs:]
	if len(rest) > 0 {
		if e, ok := lookupEvent(rest[0]); ok {
			cmd.Event = e
			rest = nil
		} else {
			numWant, err := strconv.ParseUint(rest[0], 10, 16)
			if err != nil {
				return AnnounceCommand{}, requestErrorf("numwant %q", rest[0])
			}
			cmd.NumWant = int(numWant)
			rest = rest[1:]
		}
	}
	if len(rest) > 0 {
		cmd.Event = parseEvent(rest[0])
	}

	cmd.Torrent = TorrentID(tid)
	cmd.User = UserID(uid)
	//nolint:gosec // G115: ParseUint bounded port to 16 bits
	cmd.Peer = NewPeerInfo(ipv4, ipv6, uint16(port))
	return cmd, nil
}

func parseAddrArg(s string, v4 bool) (generics.Option[netip.Addr], error) {
	if s == noAddress {
		return generics.None[netip.Addr](), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return generics.None[netip.Addr](), requestErrorf("address %q", s)
	}
	if v4 && !addr.Unmap().Is4() {
		return generics.None[netip.Addr](), requestErrorf("%q is not an IPv4 address", s)
	}
	if !v4 && !addr.Is6() {
		return generics.None[netip.Addr](), requestErrorf("%q is not an IPv6 address", s)
	}
	return generics.Some(addr), nil
}

// Tracker applies announces to the registry and builds responses.
type Tracker struct {
	registry *Registry
	metrics  *metrics
	interval int64
}

func NewTracker(registry *Registry, interval int64, m *metrics) *Tracker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if m == nil {
		m = newMetrics(nil)
	}
	return &Tracker{registry: registry, interval: interval, metrics: m}
}

var tracer = otel.Tracer("pico-gate.tracker")

// emptyResponse is returned for stop events and unknown torrents.
func (tr *Tracker) emptyResponse() AnnounceResponse {
	return AnnounceResponse{Interval: tr.interval}
}

// Announce applies cmd to its torrent's registry. A stop for a torrent the
// registry does not hold returns the empty response without allocating.
func (tr *Tracker) Announce(ctx context.Context, cmd AnnounceCommand) (ret AnnounceResponse) {
	_, span := tracer.Start(ctx, "Tracker.Announce",
		trace.WithAttributes(
			attribute.Int64("announce.torrent", int64(cmd.Torrent)),
			attribute.Int64("announce.user", int64(cmd.User)),
			attribute.String("announce.event", cmd.Event.String()),
			attribute.Int("announce.num_want", cmd.NumWant),
		))
	defer span.End()
	defer func() {
		span.SetAttributes(attribute.Int("announce.peers", ret.NumPeers()))
	}()

	tr.metrics.announces.WithLabelValues(cmd.Event.String()).Inc()
	ret = tr.emptyResponse()
	stop := cmd.Event == EventStopped

	found := tr.registry.With(cmd.Torrent, !stop, func(si *SeederInfo) {
		si.Compaction()
		if stop {
			si.Delete(cmd.User)
			return
		}
		si.Insert(cmd.User, cmd.Peer)

		n := min(cmd.NumWant, si.Len())
		peers, peers6 := si.AppendResponse(cmd.NumWant,
			make([]byte, 0, n*compactPeerSizeV4), make([]byte, 0, n*compactPeerSizeV6))
		ret.Peers, ret.Peers6 = string(peers), string(peers6)
	})

	if debugEnabled.Load() {
		debug("announce torrent=%d user=%d event=%s found=%t peers=%d",
			cmd.Torrent, cmd.User, cmd.Event, found, ret.NumPeers())
	}
	return ret
}

// handleCommandLine runs one textual command and returns the encoded reply.
func (tr *Tracker) handleCommandLine(ctx context.Context, line string) []byte {
	cmd, err := parseCommandLine(line)
	if err != nil {
		_, span := tracer.Start(ctx, "Tracker.handleCommandLine")
		span.SetStatus(codes.Error, err.Error())
		span.End()
		tr.metrics.rejected.WithLabelValues(rejectMalformed).Inc()
		return encodeFailure(err.Error())
	}
	return encodeResponse(tr.Announce(ctx, cmd))
}

// serveCommands accepts command connections until ln is closed. Every line
// received is one command; replies are bencoded dictionaries written back in order.
func (tr *Tracker) serveCommands(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog("failed to accept command connection: %v", err)
			continue
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			tr.serveCommandConn(ctx, c)
		}(conn)
	}
}

func (tr *Tracker) serveCommandConn(ctx context.Context, c net.Conn) {
	// Close the connection when shutting down so the scanner unblocks.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	scanner := bufio.NewScanner(c)
	w := bufio.NewWriter(c)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := w.Write(tr.handleCommandLine(ctx, line)); err != nil {
			debug("failed to write command reply to %s: %v", c.RemoteAddr(), err)
			return
		}
		if err := w.Flush(); err != nil {
			debug("failed to flush command reply to %s: %v", c.RemoteAddr(), err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		debug("command connection %s: %v", c.RemoteAddr(), err)
	}
}
