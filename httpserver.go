package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxFilterBody = 4096

var httpLog = logger.WithNames("http")

// announceRequest is the HTTP announce after query parsing.
type announceRequest struct {
	ip       generics.Option[netip.Addr]
	ipv4     generics.Option[netip.Addr]
	ipv6     generics.Option[netip.Addr]
	peerID   string
	passkey  string
	uid      int64
	tid      int64
	upload   int64
	download int64
	port     uint16
	numWant  uint16
	event    Event
}

func parseAnnounceQuery(vs url.Values) (req announceRequest, err error) {
	req.peerID = vs.Get("peer_id")
	if req.peerID == "" {
		return req, requestErrorf("missing peer_id")
	}
	req.passkey = vs.Get("passkey")
	if req.passkey == "" {
		return req, requestErrorf("missing passkey")
	}
	if req.uid, err = queryInt(vs, "uid"); err != nil {
		return req, err
	}
	if req.tid, err = queryInt(vs, "tid"); err != nil {
		return req, err
	}
	if req.upload, err = queryInt(vs, "upload"); err != nil {
		return req, err
	}
	if req.download, err = queryInt(vs, "download"); err != nil {
		return req, err
	}
	port, err := strconv.ParseUint(vs.Get("port"), 10, 16)
	if err != nil {
		return req, requestErrorf("port %q", vs.Get("port"))
	}
	req.port = uint16(port)

	req.numWant = defaultNumWant
	if s := vs.Get("numwant"); s != "" {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return req, requestErrorf("numwant %q", s)
		}
		req.numWant = uint16(n)
	}

	if s := vs.Get("event"); s != "" {
		e, ok := lookupEvent(s)
		if !ok {
			return req, requestErrorf("event %q", s)
		}
		req.event = e
	}

	if req.ip, err = queryAddr(vs, "ip", func(netip.Addr) bool { return true }); err != nil {
		return req, err
	}
	if req.ipv4, err = queryAddr(vs, "ipv4", netip.Addr.Is4); err != nil {
		return req, err
	}
	if req.ipv6, err = queryAddr(vs, "ipv6", netip.Addr.Is6); err != nil {
		return req, err
	}
	return req, nil
}

func queryInt(vs url.Values, key string) (int64, error) {
	s := vs.Get(key)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, requestErrorf("%s %q", key, s)
	}
	return n, nil
}

func queryAddr(vs url.Values, key string, family func(netip.Addr) bool) (generics.Option[netip.Addr], error) {
	s := vs.Get(key)
	if s == "" {
		return generics.None[netip.Addr](), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return generics.None[netip.Addr](), requestErrorf("%s %q", key, s)
	}
	addr = addr.Unmap()
	if !family(addr) {
		return generics.None[netip.Addr](), requestErrorf("%s %q has the wrong address family", key, s)
	}
	return generics.Some(addr), nil
}

// fixIP settles the announcer's addresses. Per family the explicit parameter
// wins, then "ip", then the connection address.
func (req *announceRequest) fixIP(remote generics.Option[netip.Addr]) error {
	fill := func(dst *generics.Option[netip.Addr], src generics.Option[netip.Addr], is func(netip.Addr) bool) {
		if !dst.Ok && src.Ok && is(src.Value) {
			*dst = src
		}
	}
	fill(&req.ipv4, req.ip, netip.Addr.Is4)
	fill(&req.ipv6, req.ip, netip.Addr.Is6)
	fill(&req.ipv4, remote, netip.Addr.Is4)
	fill(&req.ipv6, remote, netip.Addr.Is6)
	if !req.ipv4.Ok && !req.ipv6.Ok {
		return requestErrorf("unable to detect connection address")
	}
	return nil
}

func (req *announceRequest) command() AnnounceCommand {
	return AnnounceCommand{
		Torrent: TorrentID(req.tid),
		User:    UserID(req.uid),
		Peer:    NewPeerInfo(req.ipv4, req.ipv6, req.port),
		NumWant: int(req.numWant),
		Event:   req.event,
	}
}

func (req *announceRequest) report() RelayReport {
	return RelayReport{
		User:     UserID(req.uid),
		Torrent:  TorrentID(req.tid),
		Upload:   req.upload,
		Download: req.download,
		Event:    req.event,
	}
}

type updateFilterRequest struct {
	Set    *string `json:"set"`
	Delete *string `json:"delete"`
}

// httpFrontend is the HTTP edge: announce, filter maintenance and metrics.
type httpFrontend struct {
	tracker   *Tracker
	gate      *Gatekeeper
	filter    *PasskeyFilter
	relay     *Relay
	refresher *passkeyRefresher
	limiter   *ipRateLimiter
	metrics   *metrics
	gatherer  prometheus.Gatherer
	// ctx bounds background work started by requests.
	ctx context.Context
	wg  *sync.WaitGroup
}

func (h *httpFrontend) routes() http.Handler {
	router := httprouter.New()
	router.GET("/tracker/announce", h.announce)
	router.POST("/tracker/update_filter", h.updateFilter)
	if h.gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})
	return router
}

func remoteAddr(r *http.Request) generics.Option[netip.Addr] {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return generics.None[netip.Addr]()
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return generics.None[netip.Addr]()
	}
	return generics.Some(addr.Unmap())
}

func (h *httpFrontend) announce(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	remote := remoteAddr(r)
	if remote.Ok {
		if ok, wait := h.limiter.allow(remote.Value); !ok {
			h.metrics.rejected.WithLabelValues(rejectRateLimited).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			h.writeFailure(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	req, err := parseAnnounceQuery(r.URL.Query())
	if err != nil {
		h.metrics.rejected.WithLabelValues(rejectMalformed).Inc()
		h.writeError(w, err)
		return
	}
	if err := h.gate.Admit(req.peerID, req.passkey); err != nil {
		h.writeError(w, err)
		return
	}
	if err := req.fixIP(remote); err != nil {
		h.writeError(w, err)
		return
	}

	resp := h.tracker.Announce(r.Context(), req.command())
	w.Header().Set("Content-Type", "text/plain")
	if err := writeResponse(w, resp); err != nil {
		httpLog.Levelf(log.Debug, "failed to write announce response: %v", err)
	}

	if h.relay != nil {
		h.relay.Report(r.Context(), req.report())
	}
}

func (h *httpFrontend) updateFilter(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cmd updateFilterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFilterBody)).Decode(&cmd); err != nil {
		h.writeError(w, requestErrorf("filter update body: %v", err))
		return
	}
	if cmd.Delete != nil {
		h.filter.Delete(*cmd.Delete)
	}
	if cmd.Set != nil {
		h.filter.Insert(*cmd.Set)
	}

	if h.refresher != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.refresher.expandIfNeeded(h.ctx)
		}()
	}
	w.WriteHeader(http.StatusOK)
}

// writeError maps err to a status. Access denials all share one body.
func (h *httpFrontend) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRequest):
		h.writeFailure(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAccessDenied):
		h.writeFailure(w, http.StatusForbidden, ErrAccessDenied.Error())
	default:
		httpLog.Levelf(log.Error, "announce failed: %v", err)
		h.writeFailure(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *httpFrontend) writeFailure(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if err := writeFailure(w, reason); err != nil {
		httpLog.Levelf(log.Debug, "failed to write failure response: %v", err)
	}
}
