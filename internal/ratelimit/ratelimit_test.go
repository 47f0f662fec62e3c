package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUpToBurstThenRejects(t *testing.T) {
	l := New(2, time.Second, nil)

	require.True(t, l.Allow("1.2.3.4").Allowed)
	require.True(t, l.Allow("1.2.3.4").Allowed)

	d := l.Allow("1.2.3.4")
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfterSec, 0)
	require.Equal(t, 0, d.Remaining)
}

func TestLimiterTracksIPsIndependently(t *testing.T) {
	l := New(1, time.Second, nil)

	require.True(t, l.Allow("1.1.1.1").Allowed)
	require.True(t, l.Allow("2.2.2.2").Allowed, "a different IP must have its own bucket")
}

func TestLimiterAllowListBypassesCheck(t *testing.T) {
	l := New(1, time.Second, []string{"9.9.9.9"})

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("9.9.9.9").Allowed)
	}
}

func TestLimiterReportsRemainingTokens(t *testing.T) {
	l := New(3, time.Second, nil)

	first := l.Allow("1.2.3.4")
	require.True(t, first.Allowed)
	require.Equal(t, 3, first.Limit)
	require.Equal(t, 2, first.Remaining)

	second := l.Allow("1.2.3.4")
	require.True(t, second.Allowed)
	require.Equal(t, 1, second.Remaining)
}

func TestMiddlewareRejectsWithRetryAfterHeader(t *testing.T) {
	l := New(1, time.Second, nil)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "5.5.5.5:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMiddlewareSetsRateLimitHeadersOnSuccess(t *testing.T) {
	l := New(5, time.Second, nil)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "6.6.6.6:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestMiddlewareSetsRateLimitHeadersOnRejection(t *testing.T) {
	l := New(1, time.Second, nil)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "7.7.7.7:1234"

	handler.ServeHTTP(httptest.NewRecorder(), req)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	require.Equal(t, "203.0.113.7", ClientIP(req))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:9999"
	require.Equal(t, "198.51.100.4", ClientIP(req))
}
