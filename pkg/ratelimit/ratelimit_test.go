package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be rate limited")
	}
	if !limiter.Allow("other-key") {
		t.Error("Other keys have their own bucket")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("test-key") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	limited := false
	wrapped := limiter.Middleware(
		func(r *http.Request) string { return "test-key" },
		func(w http.ResponseWriter, r *http.Request) {
			limited = true
			w.WriteHeader(http.StatusTooManyRequests)
		},
	)(handler)

	rr1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rr1, httptest.NewRequest("GET", "/jobs", nil))
	if rr1.Code != http.StatusOK {
		t.Errorf("First request should succeed, got status %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rr2, httptest.NewRequest("GET", "/jobs", nil))
	if rr2.Code != http.StatusTooManyRequests || !limited {
		t.Errorf("Second request should be rate limited, got status %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(10, 2)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	if removed := limiter.CleanupOldLimiters(5 * time.Minute); removed != 1 {
		t.Errorf("Expected 1 limiter removed, got %d", removed)
	}
	if limiter.Size() != 1 {
		t.Errorf("Expected 1 limiter left, got %d", limiter.Size())
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := IPKeyFunc(req); got != "10.0.0.1" {
		t.Errorf("Expected 10.0.0.1, got %s", got)
	}

	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.2")
	if got := IPKeyFunc(req); got != "192.168.1.1" {
		t.Errorf("Expected 192.168.1.1, got %s", got)
	}
}
