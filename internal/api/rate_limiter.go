package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rubintv/services/backend/internal/metrics"
)

const (
	visitorIdleTTL = 10 * time.Minute
	sweepEvery     = time.Minute
)

var forwardedHeaders = []string{"X-Forwarded-For", "X-Real-IP"}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// apiRateLimiter gives every client address its own token bucket. It guards both the query
// routes and the websocket upgrade, so a reconnect storm from one client cannot starve others.
type apiRateLimiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	visitors  map[string]*visitor
}

func newAPIRateLimiter(requestsPerSec float64, burst int) *apiRateLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}
	return &apiRateLimiter{
		rps:      rate.Limit(requestsPerSec),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

func (l *apiRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.allow(clientAddress(r), time.Now()) {
			next.ServeHTTP(w, r)
			return
		}
		metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	})
}

func (l *apiRateLimiter) allow(address string, now time.Time) bool {
	if address == "" {
		address = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > sweepEvery {
		l.sweep(now)
	}

	v, ok := l.visitors[address]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[address] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *apiRateLimiter) sweep(now time.Time) {
	l.lastSweep = now
	for address, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorIdleTTL {
			delete(l.visitors, address)
		}
	}
}

func (l *apiRateLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// clientAddress prefers proxy headers, taking the first hop of X-Forwarded-For.
func clientAddress(r *http.Request) string {
	for _, header := range forwardedHeaders {
		first, _, _ := strings.Cut(r.Header.Get(header), ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	return remote
}
