package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/generics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFrontend struct {
	*httpFrontend
	handler http.Handler
	wg      sync.WaitGroup
}

func newTestFrontend(t *testing.T, passkeys ...string) *testFrontend {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	filter := NewPasskeyFilter(m)
	for _, k := range passkeys {
		filter.Insert(k)
	}
	tf := &testFrontend{}
	tf.httpFrontend = &httpFrontend{
		tracker:  NewTracker(NewRegistry(time.Hour), defaultInterval, m),
		gate:     NewGatekeeper(NewClientTable(nil), filter, m),
		filter:   filter,
		metrics:  m,
		gatherer: reg,
		ctx:      context.Background(),
		wg:       &tf.wg,
	}
	tf.handler = tf.routes()
	t.Cleanup(tf.wg.Wait)
	return tf
}

func announceQuery(overrides map[string]string) string {
	v := url.Values{
		"peer_id":  {testPeerID},
		"passkey":  {testPasskey},
		"uid":      {"7"},
		"tid":      {"42"},
		"upload":   {"0"},
		"download": {"0"},
		"port":     {"6881"},
	}
	for k, val := range overrides {
		if val == "" {
			v.Del(k)
		} else {
			v.Set(k, val)
		}
	}
	return v.Encode()
}

func (tf *testFrontend) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	tf.handler.ServeHTTP(rec, req)
	return rec
}

func (tf *testFrontend) announce(overrides map[string]string) *httptest.ResponseRecorder {
	return tf.do(http.MethodGet, "/tracker/announce?"+announceQuery(overrides), nil)
}

func TestHTTPAnnounce(t *testing.T) {
	tf := newTestFrontend(t, testPasskey)
	rec := tf.announce(nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	reply, err := readCommandReply(bufio.NewReader(rec.Body))
	require.NoError(t, err)
	assert.Equal(t, int64(defaultInterval), reply.Interval)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("192.0.2.10:6881")},
		decodeCompactPeers(reply.Peers, reply.Peers6))
}

func TestHTTPAnnounce_HexPeerID(t *testing.T) {
	tf := newTestFrontend(t, testPasskey)
	rec := tf.announce(map[string]string{"peer_id": "2D5554474836372D6B6C414A6B40405955236A33"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHTTPAnnounce_AccessDeniedIsUniform(t *testing.T) {
	tf := newTestFrontend(t, testPasskey)
	badClient := tf.announce(map[string]string{"peer_id": "-BC0150-abcdefghijkl"})
	badPasskey := tf.announce(map[string]string{"passkey": "unknown"})

	assert.Equal(t, http.StatusForbidden, badClient.Code)
	assert.Equal(t, http.StatusForbidden, badPasskey.Code)
	assert.Equal(t, badClient.Body.String(), badPasskey.Body.String())
	assert.Equal(t, 0, tf.tracker.registry.Len())
}

func TestHTTPAnnounce_Malformed(t *testing.T) {
	tf := newTestFrontend(t, testPasskey)
	for _, overrides := range []map[string]string{
		{"peer_id": ""},
		{"passkey": ""},
		{"uid": "x"},
		{"tid": ""},
		{"port": "70000"},
		{"numwant": "-1"},
		{"event": "paused"},
		{"ip": "not-an-ip"},
		{"ipv4": "2001:db8::1"},
		{"ipv6": "1.2.3.4"},
	} {
		rec := tf.announce(overrides)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", overrides)
		assert.Contains(t, rec.Body.String(), "failure reason")
	}
	assert.Equal(t, 0, tf.tracker.registry.Len())
}

func TestHTTPAnnounce_StoppedUnknownTorrent(t *testing.T) {
	tf := newTestFrontend(t, testPasskey)
	rec := tf.announce(map[string]string{"event": "stopped"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, tf.tracker.registry.Len())
}

func TestHTTPAnnounce_RateLimited(t *testing.T) {
	useFakeClock(t)
	tf := newTestFrontend(t, testPasskey)
	tf.limiter = newIPRateLimiter(1, 2)

	assert.Equal(t, http.StatusOK, tf.announce(nil).Code)
	assert.Equal(t, http.StatusOK, tf.announce(nil).Code)
	rec := tf.announce(nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestHTTPAnnounce_Relays(t *testing.T) {
	got := make(chan url.Values, 1)
	r, _ := newTestRelay(t, "s", func(_ http.ResponseWriter, req *http.Request) {
		got <- req.URL.Query()
	})
	tf := newTestFrontend(t, testPasskey)
	tf.relay = r

	rec := tf.announce(map[string]string{"upload": "1024", "event": "completed"})
	require.Equal(t, http.StatusOK, rec.Code)
	r.Wait()

	q := <-got
	assert.Equal(t, "1024", q.Get("upload"))
	assert.Equal(t, "Complete", q.Get("action"))
	assert.Equal(t, "7", q.Get("uid"))
	assert.Equal(t, "42", q.Get("tid"))
}

func TestHTTPUpdateFilter(t *testing.T) {
	tf := newTestFrontend(t)
	assert.Equal(t, http.StatusForbidden, tf.announce(nil).Code)

	rec := tf.do(http.MethodPost, "/tracker/update_filter", strings.NewReader(`{"set":"`+testPasskey+`"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, tf.announce(nil).Code)

	rec = tf.do(http.MethodPost, "/tracker/update_filter", strings.NewReader(`{"delete":"`+testPasskey+`"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusForbidden, tf.announce(nil).Code)
}

func TestHTTPUpdateFilter_BadBody(t *testing.T) {
	tf := newTestFrontend(t)
	rec := tf.do(http.MethodPost, "/tracker/update_filter", strings.NewReader(`{"set":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPMetrics(t *testing.T) {
	tf := newTestFrontend(t, testPasskey)
	tf.announce(nil)
	tf.announce(map[string]string{"passkey": "unknown"})

	rec := tf.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `pico_gate_announces_total{event="started"} 1`)
	assert.Contains(t, body, `pico_gate_rejected_total{reason="passkey"} 1`)
}

func TestHTTPNotFound(t *testing.T) {
	tf := newTestFrontend(t)
	assert.Equal(t, http.StatusNotFound, tf.do(http.MethodGet, "/announce", nil).Code)
}

func TestFixIP(t *testing.T) {
	remote4 := addr("192.0.2.1")
	remote6 := addr("2001:db8::99")

	tests := []struct {
		name     string
		req      announceRequest
		remote   generics.Option[netip.Addr]
		wantIPv4 generics.Option[netip.Addr]
		wantIPv6 generics.Option[netip.Addr]
	}{
		{"connection only", announceRequest{}, remote4, remote4, none()},
		{"ip overrides connection", announceRequest{ip: addr("198.51.100.1")}, remote4, addr("198.51.100.1"), none()},
		{"ipv6 param with v4 connection", announceRequest{ipv6: addr("2001:db8::1")}, remote4, remote4, addr("2001:db8::1")},
		{"ipv4 param beats ip", announceRequest{ip: addr("198.51.100.1"), ipv4: addr("203.0.113.1")}, remote4, addr("203.0.113.1"), none()},
		{"ip v6 fills v6 only", announceRequest{ip: addr("2001:db8::2")}, remote4, remote4, addr("2001:db8::2")},
		{"v6 connection", announceRequest{}, remote6, none(), remote6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			require.NoError(t, req.fixIP(tt.remote))
			assert.Equal(t, tt.wantIPv4, req.ipv4)
			assert.Equal(t, tt.wantIPv6, req.ipv6)
		})
	}
}

func TestFixIP_NoAddress(t *testing.T) {
	var req announceRequest
	err := req.fixIP(none())
	assert.True(t, errors.Is(err, ErrRequest))
}
