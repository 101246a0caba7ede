package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRelay points a relay at handler and retries without sleeping.
func newTestRelay(t *testing.T, secret string, handler http.HandlerFunc) (*Relay, *metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := newMetrics(nil)
	r := NewRelay(strings.TrimPrefix(srv.URL, "http://"), deriveSecret(secret), time.Second, m)
	r.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, relayMaxRetries)
	}
	return r, m
}

func TestRelayReport_Query(t *testing.T) {
	rep := RelayReport{User: 7, Torrent: 42, Upload: 100, Download: 5, Event: EventCompleted}
	assert.Equal(t, "action=Complete&download=5&tid=42&uid=7&upload=100", rep.query())

	rep.Event = EventStopped
	assert.Equal(t, "Stop", rep.action())
	rep.Event = EventStarted
	assert.Equal(t, "Start", rep.action())
}

func TestRelay_Send(t *testing.T) {
	var got atomic.Pointer[http.Request]
	r, m := newTestRelay(t, "hunter2", func(w http.ResponseWriter, req *http.Request) {
		got.Store(req)
	})

	rep := RelayReport{User: 7, Torrent: 42, Upload: 100, Download: 5}
	require.NoError(t, r.Send(context.Background(), rep))

	req := got.Load()
	require.NotNil(t, req)
	assert.Equal(t, relayPath, req.URL.Path)
	q := req.URL.Query()
	assert.Equal(t, url.Values{
		"uid":      {"7"},
		"tid":      {"42"},
		"upload":   {"100"},
		"download": {"5"},
		"action":   {"Start"},
	}, q)
	assert.Equal(t, signRelay(deriveSecret("hunter2"), rep.query()), req.Header.Get(relaySignatureHeader))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayed.WithLabelValues("success")))
}

func TestRelay_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	r, m := newTestRelay(t, "s", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	require.NoError(t, r.Send(context.Background(), RelayReport{User: 1, Torrent: 1}))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayRetries))
}

func TestRelay_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	r, m := newTestRelay(t, "s", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := r.Send(context.Background(), RelayReport{User: 1, Torrent: 1})
	assert.True(t, errors.Is(err, ErrBackend), "got %v", err)
	assert.Equal(t, int32(relayMaxRetries+1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayed.WithLabelValues("failure")))
}

func TestRelay_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRelay(t, "s", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	err := r.Send(context.Background(), RelayReport{User: 1, Torrent: 1})
	assert.True(t, errors.Is(err, ErrBackend))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRelay_ReportOutlivesRequest(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRelay(t, "s", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Report(ctx, RelayReport{User: 1, Torrent: 1})
	cancel()
	r.Wait()
	assert.Equal(t, int32(1), calls.Load())
}
