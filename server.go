package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	cfg       *Config
	registry  *Registry
	tracker   *Tracker
	filter    *PasskeyFilter
	gate      *Gatekeeper
	relay     *Relay
	limiter   *ipRateLimiter
	metrics   *metrics
	gatherer  prometheus.Gatherer
	source    PasskeySource
	closeSrc  func() error
	refresher *passkeyRefresher

	httpLn net.Listener
	cmdLn  net.Listener
	wg     sync.WaitGroup
}

// NewServer wires every component from cfg. Metrics are registered with a
// fresh registry served on /metrics.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clients, err := clientTableFromNames(cfg.AllowedClients)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := newMetrics(reg)

	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(cfg.PeerTTL),
		metrics:  m,
		gatherer: reg,
		limiter:  newIPRateLimiter(cfg.RateLimit, cfg.RateBurst),
		closeSrc: func() error { return nil },
	}
	registerTorrentGauge(reg, s.registry)
	s.tracker = NewTracker(s.registry, cfg.intervalSeconds(), m)
	s.filter = NewPasskeyFilter(m)
	s.gate = NewGatekeeper(clients, s.filter, m)
	if cfg.BackendAddr != "" {
		s.relay = NewRelay(cfg.BackendAddr, deriveSecret(cfg.Secret), cfg.RelayTimeout, m)
	}

	switch {
	case cfg.PasskeyDB != "":
		db, err := OpenBoltPasskeys(cfg.PasskeyDB)
		if err != nil {
			return nil, err
		}
		s.source, s.closeSrc = db, db.Close
	case cfg.PasskeyFile != "":
		s.source = NewFilePasskeys(cfg.PasskeyFile)
	}
	if s.source != nil {
		s.refresher = newPasskeyRefresher(s.source, s.filter)
	}

	info("allowed clients: %v", clients.Names())
	return s, nil
}

// Listen binds the configured addresses.
func (s *Server) Listen() error {
	if s.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return errors.Wrap(err, "listen http")
		}
		s.httpLn = ln
		info("HTTP tracker listening on %s", ln.Addr())
	}
	if s.cfg.CommandAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.CommandAddr)
		if err != nil {
			s.closeListeners()
			return errors.Wrap(err, "listen command")
		}
		s.cmdLn = ln
		info("command listener on %s", ln.Addr())
	}
	return nil
}

// Run listens and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs on the listeners bound by Listen and blocks until ctx is
// canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.cfg.Secret == fallbackSecret && s.relay != nil {
		warn("Using insecure default secret key. Set -secret or PICO_GATE__SECRET for production use")
	}

	info("Starting Pico Gate: %s", version)
	if debugEnabled.Load() {
		debug("Debug mode is enabled")
	}

	if s.refresher != nil {
		if err := s.refresher.bootstrap(ctx); err != nil {
			s.closeListeners()
			//nolint:errcheck // Reporting the bootstrap error instead
			s.closeSrc()
			return errors.Wrap(err, "load passkeys")
		}
		go s.refresher.loop(ctx, s.cfg.PasskeyRefresh)
	} else {
		warn("No passkey source configured, every announce will be denied")
	}

	go s.registry.cleanupLoop(ctx, s.cfg.RegistrySweep)
	go s.limiterLoop(ctx)

	var httpSrv *http.Server
	if s.httpLn != nil {
		front := &httpFrontend{
			tracker:   s.tracker,
			gate:      s.gate,
			filter:    s.filter,
			relay:     s.relay,
			refresher: s.refresher,
			limiter:   s.limiter,
			metrics:   s.metrics,
			gatherer:  s.gatherer,
			ctx:       ctx,
			wg:        &s.wg,
		}
		httpSrv = &http.Server{
			Handler:           front.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog("HTTP server: %v", err)
			}
		}()
	}
	if s.cmdLn != nil {
		go s.tracker.serveCommands(ctx, s.cmdLn, &s.wg)
	}

	<-ctx.Done()
	info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			debug("Failed to shut down HTTP server: %v", err)
		}
	}
	if s.cmdLn != nil {
		if err := s.cmdLn.Close(); err != nil {
			debug("Failed to close command listener: %v", err)
		}
	}

	info("Waiting for in-flight requests to complete...")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		if s.relay != nil {
			s.relay.Wait()
		}
		close(done)
	}()

	defer func() {
		s.registry.Close()
		if err := s.closeSrc(); err != nil {
			debug("Failed to close passkey source: %v", err)
		}
	}()

	select {
	case <-done:
		info("Shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		warn("Forcing shutdown after timeout, some handlers incomplete")
		return errors.New("shutdown timeout")
	}
}

func (s *Server) closeListeners() {
	for _, ln := range []net.Listener{s.httpLn, s.cmdLn} {
		if ln != nil {
			ln.Close()
		}
	}
}

func (s *Server) limiterLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RegistrySweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.sweep(timeNow().Add(-rateLimiterIdle)); n > 0 {
				debug("cleanup: dropped %d idle rate limiters", n)
			}
		}
	}
}

// setupSignalHandling creates a context that cancels on SIGINT/SIGTERM
func setupSignalHandling() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
