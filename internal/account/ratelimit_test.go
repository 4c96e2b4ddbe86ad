package account

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
)

func TestMemoryRateLimiterAllow_WithinLimitThenRejects(t *testing.T) {
	rl := NewMemoryRateLimiter(2, time.Minute)
	ctx := context.Background()
	ip := "203.0.113.10"

	if !rl.Allow(ctx, ip) {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow(ctx, ip) {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow(ctx, ip) {
		t.Fatal("expected third request to be rejected")
	}
	if !rl.Allow(ctx, "203.0.113.11") {
		t.Fatal("expected a different client to have its own budget")
	}
}

func TestMemoryRateLimiterAllow_WindowSlides(t *testing.T) {
	rl := NewMemoryRateLimiter(1, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ip := "203.0.113.20"

	if !rl.Allow(context.Background(), ip) {
		t.Fatal("expected first request to be allowed")
	}
	if rl.Allow(context.Background(), ip) {
		t.Fatal("expected second request in the window to be rejected")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow(context.Background(), ip) {
		t.Fatal("expected request to be allowed after the window slides")
	}
	if got := len(rl.attempts[ip]); got != 1 {
		t.Fatalf("expected one retained attempt, got %d", got)
	}
}

func TestMemoryRateLimiterForgetsIdleClients(t *testing.T) {
	rl := NewMemoryRateLimiter(1, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		rl.Allow(ctx, fmt.Sprintf("198.51.100.%d", i))
	}
	if got := len(rl.attempts); got != 50 {
		t.Fatalf("tracked clients = %d, want 50", got)
	}

	now = now.Add(2 * time.Minute)
	if !rl.Allow(ctx, "203.0.113.77") {
		t.Fatal("expected new client to be allowed")
	}
	if got := len(rl.attempts); got != 1 {
		t.Fatalf("tracked clients after window = %d, want 1", got)
	}
}

func TestNewRateLimiterFallsBackToMemory(t *testing.T) {
	if _, ok := newRateLimiter(nil, "verify", 10, time.Minute).(*MemoryRateLimiter); !ok {
		t.Fatal("expected in-memory limiter without redis")
	}
}

func TestRateLimitMiddleware_TooManyRequests(t *testing.T) {
	rl := NewMemoryRateLimiter(1, time.Minute)
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	})
	h := rateLimitMiddleware("test_route", rl, nil, next)
	before := testutil.ToFloat64(acctmetrics.RateLimitedTotal.WithLabelValues("test_route"))

	req1 := httptest.NewRequest(http.MethodPost, "/api/license/verify", nil)
	req1.RemoteAddr = "198.51.100.5:1234"
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)

	if rec1.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want %d", rec1.Code, http.StatusNoContent)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/license/verify", nil)
	req2.RemoteAddr = "198.51.100.5:1234"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", rec2.Code, http.StatusTooManyRequests)
	}
	if calls != 1 {
		t.Fatalf("next handler calls after reject = %d, want 1", calls)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After on rejection")
	}
	if got := testutil.ToFloat64(acctmetrics.RateLimitedTotal.WithLabelValues("test_route")) - before; got != 1 {
		t.Errorf("rate_limited_total delta = %v, want 1", got)
	}
}

func TestClientIP(t *testing.T) {
	proxies := NewTrustedProxies([]string{"10.0.0.0/8", "127.0.0.1"})

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "x-forwarded-for-from-trusted-proxy", headers: map[string]string{"X-Forwarded-For": "203.0.113.9"}, remote: "127.0.0.1:9999", want: "203.0.113.9"},
		{name: "x-forwarded-for-skips-trusted-hops", headers: map[string]string{"X-Forwarded-For": " 198.51.100.7, 203.0.113.1 , 10.0.0.1 "}, remote: "10.1.2.3:9999", want: "203.0.113.1"},
		{name: "x-real-ip-from-trusted-proxy", headers: map[string]string{"X-Real-IP": "203.0.113.4"}, remote: "127.0.0.1:9999", want: "203.0.113.4"},
		{name: "spoofed-x-forwarded-for-ignored", headers: map[string]string{"X-Forwarded-For": "127.0.0.1"}, remote: "198.51.100.42:5555", want: "198.51.100.42"},
		{name: "spoofed-x-real-ip-ignored", headers: map[string]string{"X-Real-IP": "203.0.113.4"}, remote: "198.51.100.42:5555", want: "198.51.100.42"},
		{name: "trusted-proxy-without-headers", remote: "10.0.0.5:80", want: "10.0.0.5"},
		{name: "remote-addr-host-port", remote: "198.51.100.2:7777", want: "198.51.100.2"},
		{name: "remote-addr-unparseable", remote: "not-a-host-port", want: "not-a-host-port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			req.RemoteAddr = tt.remote

			if got := proxies.ClientIP(req); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPWithoutTrustedProxies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.42:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	var proxies *TrustedProxies
	if got := proxies.ClientIP(req); got != "198.51.100.42" {
		t.Fatalf("ClientIP = %q, want remote address", got)
	}
	if got := NewTrustedProxies(nil).ClientIP(req); got != "198.51.100.42" {
		t.Fatalf("ClientIP = %q, want remote address", got)
	}
}

func TestNewTrustedProxiesSkipsInvalidEntries(t *testing.T) {
	proxies := NewTrustedProxies([]string{"invalid-cidr", "10.0.0.0/8", "", "::ffff:192.0.2.10"})

	if len(proxies.prefixes) != 2 {
		t.Fatalf("parsed prefixes = %d, want 2", len(proxies.prefixes))
	}
	for _, ip := range []string{"10.1.2.3", "192.0.2.10"} {
		if !proxies.Trusted(ip) {
			t.Errorf("expected %s to be trusted", ip)
		}
	}
	for _, ip := range []string{"192.168.1.1", "192.0.2.11", "garbage"} {
		if proxies.Trusted(ip) {
			t.Errorf("expected %s to be untrusted", ip)
		}
	}
}

func TestRateLimitMiddlewareIgnoresSpoofedForwardedFor(t *testing.T) {
	rl := NewMemoryRateLimiter(1, time.Minute)
	h := rateLimitMiddleware("spoof_route", rl, NewTrustedProxies([]string{"10.0.0.0/8"}), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/license/verify", nil)
		req.RemoteAddr = "198.51.100.9:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v, want [204 429]", codes)
	}
}
