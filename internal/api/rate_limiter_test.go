package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientAddressPrefersForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/summit/auxtel/current", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	req.RemoteAddr = "127.0.0.1:1234"

	if got := clientAddress(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded IP, got %q", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := clientAddress(req); got != "198.51.100.4" {
		t.Fatalf("expected real IP, got %q", got)
	}

	req.Header.Del("X-Real-IP")
	if got := clientAddress(req); got != "127.0.0.1" {
		t.Fatalf("expected remote host, got %q", got)
	}
}

func TestRateLimiterBlocksExcessBurst(t *testing.T) {
	limiter := newAPIRateLimiter(1, 1)
	if limiter == nil {
		t.Fatal("expected limiter to be created")
	}

	now := time.Now()
	if !limiter.allow("192.0.2.10", now) {
		t.Fatal("first request should be allowed")
	}
	if limiter.allow("192.0.2.10", now) {
		t.Fatal("second immediate request should be rate limited")
	}
	if !limiter.allow("192.0.2.10", now.Add(2*time.Second)) {
		t.Fatal("the bucket should refill after a second")
	}
	if !limiter.allow("192.0.2.11", now) {
		t.Fatal("other clients should have their own budget")
	}
}

func TestRateLimiterDisabledWithoutBudget(t *testing.T) {
	if newAPIRateLimiter(0, 5) != nil || newAPIRateLimiter(5, 0) != nil {
		t.Fatal("expected a zero budget to disable rate limiting")
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	limiter := newAPIRateLimiter(1, 1)
	start := time.Now()
	limiter.allow("192.0.2.10", start)
	limiter.allow("192.0.2.20", start.Add(30*time.Second))
	if got := limiter.tracked(); got != 2 {
		t.Fatalf("expected both clients tracked before the sweep, got %d", got)
	}

	limiter.allow("192.0.2.20", start.Add(visitorIdleTTL+15*time.Second))
	if got := limiter.tracked(); got != 1 {
		t.Fatalf("expected the idle client to be swept, tracking %d", got)
	}
}

func TestRateLimiterMiddlewareRejectsWith429(t *testing.T) {
	limiter := newAPIRateLimiter(1, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest("GET", "/healthz", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected first request through, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest("GET", "/healthz", nil))
	if second.Code != http.StatusTooManyRequests || second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", second.Code)
	}
}
