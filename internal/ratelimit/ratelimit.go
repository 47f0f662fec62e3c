// Package ratelimit implements C7's per-IP request limit (spec.md §4.7)
// as one token bucket per client IP: a bucket holds up to max tokens and
// refills at max per window, so it is not a sliding window — a drained
// client regains one request every window/max. Grounded on the
// teacher's GameManager: a mutex-guarded
// map of per-key state with a reaper goroutine that evicts idle entries
// (celebrity.go's GameManager/reaperLoop).
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crosswithfriends/crossplay/internal/apierr"
)

// Limiter tracks one token bucket per client IP. Burst admits a short
// spike up to Max events before the window's steady-state rate applies.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*entry
	rate     rate.Limit
	burst    int
	window   time.Duration
	allowed  map[string]bool
	idleTTL  time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Limiter that allows max events per window per IP, with
// allowList entries bypassing the check entirely (health checks, internal
// probes): an entry matches either the client IP (Allow, Middleware) or
// the request path (Middleware). It starts a background reaper and must
// not be copied.
func New(max int, window time.Duration, allowList []string) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*entry),
		rate:    rate.Every(window / time.Duration(max)),
		burst:   max,
		window:  window,
		allowed: make(map[string]bool, len(allowList)),
		idleTTL: window * 10,
	}
	for _, ip := range allowList {
		l.allowed[ip] = true
	}
	go l.reaperLoop()
	return l
}

// Decision carries the outcome of a rate-limit check plus enough state
// to render the limit/remaining/reset fields spec.md §4.7 requires on
// every response, not just rejections.
type Decision struct {
	Allowed       bool
	Limit         int
	Remaining     int
	ResetSec      int
	RetryAfterSec int
}

// Allow reports whether ip may proceed, and the limit/remaining/reset
// accounting for that bucket regardless of outcome.
func (l *Limiter) Allow(ip string) Decision {
	if l.allowed[ip] {
		return Decision{Allowed: true, Limit: l.burst, Remaining: l.burst}
	}

	l.mu.Lock()
	e, found := l.buckets[ip]
	if !found {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = e
	}
	e.lastSeen = time.Now()
	lim := e.limiter
	l.mu.Unlock()

	now := time.Now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return Decision{
			Allowed:       false,
			Limit:         l.burst,
			Remaining:     0,
			ResetSec:      int(l.window.Seconds()),
			RetryAfterSec: int(l.window.Seconds()),
		}
	}

	delay := res.Delay()
	remaining := remainingTokens(lim, now, l.burst)
	resetSec := int(math.Ceil(delayUntilFull(lim, now, l.burst).Seconds()))

	if delay <= 0 {
		return Decision{Allowed: true, Limit: l.burst, Remaining: remaining, ResetSec: resetSec}
	}

	res.Cancel()
	return Decision{
		Allowed:       false,
		Limit:         l.burst,
		Remaining:     0,
		ResetSec:      resetSec,
		RetryAfterSec: int(delay.Seconds()) + 1,
	}
}

// remainingTokens floors the bucket's currently available tokens,
// clamped to [0, burst] for a stable X-RateLimit-Remaining value.
func remainingTokens(lim *rate.Limiter, now time.Time, burst int) int {
	remaining := int(math.Floor(lim.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	if remaining > burst {
		remaining = burst
	}
	return remaining
}

// delayUntilFull estimates the time until the bucket refills to
// burst, used as the X-RateLimit-Reset horizon.
func delayUntilFull(lim *rate.Limiter, now time.Time, burst int) time.Duration {
	missing := float64(burst) - lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	limit := lim.Limit()
	if limit <= 0 {
		return 0
	}
	return time.Duration(missing / float64(limit) * float64(time.Second))
}

// reaperLoop evicts buckets that haven't been touched in idleTTL, the
// same idle-eviction shape as the teacher's GameManager.reaperLoop.
func (l *Limiter) reaperLoop() {
	ticker := time.NewTicker(l.idleTTL / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-l.idleTTL)
		l.mu.Lock()
		for ip, e := range l.buckets {
			if e.lastSeen.Before(cutoff) {
				delete(l.buckets, ip)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware wraps an http.Handler with the per-IP check. Every
// response, allowed or rejected, carries X-RateLimit-Limit/-Remaining/
// -Reset (spec.md §4.7); a rejection additionally renders a
// RATE_LIMITED apierr.Error as JSON with Retry-After.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		var decision Decision
		if l.allowed[r.URL.Path] {
			decision = Decision{Allowed: true, Limit: l.burst, Remaining: l.burst}
		} else {
			decision = l.Allow(ip)
		}
		setRateLimitHeaders(w, decision)

		if !decision.Allowed {
			apiErr := apierr.New(apierr.RateLimited, "too many requests")
			apiErr.RetryAfter = decision.RetryAfterSec
			writeRateLimited(w, apiErr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(d.ResetSec))
}

func writeRateLimited(w http.ResponseWriter, e *apierr.Error) {
	retryAfter := strconv.Itoa(e.RetryAfter)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", retryAfter)
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"kind":"` + string(e.Kind) + `","message":"` + e.Message + `","retryAfter":` + retryAfter + `}`))
}

// ClientIP extracts the request's source IP, preferring the first hop
// of X-Forwarded-For when present (spec.md §4.7 "identified by IP").
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
