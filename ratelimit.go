package main

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const rateLimiterIdle = 10 * time.Minute // entries untouched this long are dropped

type rateLimitEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per announcing address.
type ipRateLimiter struct {
	limiters map[netip.Addr]*rateLimitEntry
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
}

// newIPRateLimiter returns nil when perSecond is not positive, which disables
// limiting.
func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &ipRateLimiter{
		limiters: make(map[netip.Addr]*rateLimitEntry),
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
	}
}

// allow reports whether addr may announce now, and if not, how long until it may.
func (l *ipRateLimiter) allow(addr netip.Addr) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := timeNow()
	key := addr.Unmap()

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &rateLimitEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	r := e.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
	}
	l.mu.Unlock()

	return delay == 0, delay
}

// sweep drops entries idle since before deadline and returns how many.
func (l *ipRateLimiter) sweep(deadline time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for addr, e := range l.limiters {
		if e.lastSeen.Before(deadline) {
			delete(l.limiters, addr)
			n++
		}
	}
	return n
}

func (l *ipRateLimiter) len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
