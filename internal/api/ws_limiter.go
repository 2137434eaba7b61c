package api

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// WebSocket subscription limits, preventing an unbounded number of
// long-lived run-subscription connections from exhausting server
// resources.
const (
	// MaxWSDurationSeconds is the maximum lifetime of a single subscription
	// connection (30 minutes).
	MaxWSDurationSeconds = 30 * 60

	// MaxWSPerIP is the maximum number of concurrent subscriptions from a
	// single IP.
	MaxWSPerIP = 10

	// MaxWSGlobal is the global cap on concurrent subscriptions across all
	// clients.
	MaxWSGlobal = 1000
)

// WSLimiter tracks concurrent WebSocket subscriptions per IP and globally.
type WSLimiter struct {
	globalCount atomic.Int64
	mu          sync.Mutex
	perIP       map[string]*atomic.Int64
}

// NewWSLimiter creates a new WebSocket connection limiter.
func NewWSLimiter() *WSLimiter {
	return &WSLimiter{perIP: make(map[string]*atomic.Int64)}
}

// Acquire attempts to register a new subscription for the given IP.
// Returns true if allowed; the caller must call Release when the
// connection ends.
func (l *WSLimiter) Acquire(ip string) bool {
	if l.globalCount.Load() >= MaxWSGlobal {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	if !ok {
		counter = &atomic.Int64{}
		l.perIP[ip] = counter
	}
	l.mu.Unlock()

	if counter.Load() >= int64(MaxWSPerIP) {
		return false
	}

	ipCount := counter.Add(1)
	globalCount := l.globalCount.Add(1)

	if ipCount > int64(MaxWSPerIP) || globalCount > MaxWSGlobal {
		counter.Add(-1)
		l.globalCount.Add(-1)
		return false
	}

	return true
}

// Release decrements the connection counters for the given IP. Must be
// called exactly once for each successful Acquire.
func (l *WSLimiter) Release(ip string) {
	l.globalCount.Add(-1)

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()

	if ok && counter.Add(-1) <= 0 {
		l.mu.Lock()
		if counter.Load() <= 0 {
			delete(l.perIP, ip)
		}
		l.mu.Unlock()
	}
}

// GlobalCount returns the current global subscription count.
func (l *WSLimiter) GlobalCount() int64 {
	return l.globalCount.Load()
}

// IPCount returns the current subscription count for a specific IP.
func (l *WSLimiter) IPCount(ip string) int64 {
	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

// clientIP extracts the client IP from the request, preferring an
// X-Real-Ip header and otherwise stripping the port from RemoteAddr (which
// chi's RealIP middleware may already have rewritten from that header).
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
