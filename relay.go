package main

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
)

const (
	relayPath            = "/api/tracker/get_announce"
	relaySignatureHeader = "X-Pico-Signature"
	relayMaxRetries      = 3
)

var relayLog = logger.WithNames("relay")

// RelayReport is what the accounting backend learns about one announce.
type RelayReport struct {
	User     UserID
	Torrent  TorrentID
	Upload   int64
	Download int64
	Event    Event
}

func (r RelayReport) action() string {
	switch r.Event {
	case EventCompleted:
		return "Complete"
	case EventStopped:
		return "Stop"
	default:
		return "Start"
	}
}

func (r RelayReport) query() string {
	v := url.Values{}
	v.Set("uid", strconv.FormatInt(int64(r.User), 10))
	v.Set("tid", strconv.FormatInt(int64(r.Torrent), 10))
	v.Set("upload", strconv.FormatInt(r.Upload, 10))
	v.Set("download", strconv.FormatInt(r.Download, 10))
	v.Set("action", r.action())
	return v.Encode()
}

// Relay forwards announce reports to the backend. Reports are sent in the
// background and retried with exponential backoff; a report that still fails
// is logged and counted, never rolled back.
type Relay struct {
	client     *http.Client
	metrics    *metrics
	newBackOff func() backoff.BackOff
	baseURL    string
	wg         sync.WaitGroup
	timeout    time.Duration
	secret     [32]byte
}

func NewRelay(backendAddr string, secret [32]byte, timeout time.Duration, m *metrics) *Relay {
	if m == nil {
		m = newMetrics(nil)
	}
	return &Relay{
		client:  &http.Client{Timeout: timeout},
		metrics: m,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 100 * time.Millisecond
			bo.MaxInterval = 2 * time.Second
			bo.MaxElapsedTime = timeout
			return backoff.WithMaxRetries(bo, relayMaxRetries)
		},
		baseURL: "http://" + backendAddr + relayPath,
		timeout: timeout,
		secret:  secret,
	}
}

// Report sends rep in the background. ctx only carries values; the send is
// bounded by the relay timeout, not by the request that triggered it.
func (r *Relay) Report(ctx context.Context, rep RelayReport) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		if err := r.Send(ctx, rep); err != nil {
			relayLog.Levelf(log.Warning, "report uid=%d tid=%d: %v", rep.User, rep.Torrent, err)
		}
	}()
}

// Send delivers rep, retrying transient failures. Errors wrap ErrBackend.
func (r *Relay) Send(ctx context.Context, rep RelayReport) error {
	query := rep.query()
	target := r.baseURL + "?" + query
	signature := signRelay(r.secret, query)

	op := func() error {
		return r.do(ctx, target, signature)
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.relayRetries.Inc()
		if debugEnabled.Load() {
			debug("relay retry in %v: %v", wait, err)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify)
	if err != nil {
		r.metrics.relayed.WithLabelValues("failure").Inc()
		return errors.Wrapf(ErrBackend, "%v", err)
	}
	r.metrics.relayed.WithLabelValues("success").Inc()
	return nil
}

func (r *Relay) do(ctx context.Context, target, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set(relaySignatureHeader, signature)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	//nolint:errcheck // Drain for connection reuse
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return errors.Errorf("backend returned %s", resp.Status)
	default:
		return backoff.Permanent(errors.Errorf("backend returned %s", resp.Status))
	}
}

// Wait blocks until every background report finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}
