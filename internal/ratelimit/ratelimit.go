// Package ratelimit bounds inbound traffic ahead of the proxy and admin
// surfaces: a global token bucket plus one bucket per client IP.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/arlojensen/aigateway/internal/config"
)

// Limiter enforces both a global rate and a per-IP rate. Per-IP buckets are
// created lazily and evicted after a period of inactivity so the map
// doesn't grow unbounded under churn from many distinct clients.
type Limiter struct {
	enabled bool
	global  *rate.Limiter

	perIPRPS   rate.Limit
	perIPBurst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketIdleTimeout controls eviction of per-IP buckets untouched this long.
const bucketIdleTimeout = 10 * time.Minute

// New builds a Limiter from policy configuration.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		enabled:    cfg.Enabled,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		perIPRPS:   rate.Limit(cfg.PerIPRPS),
		perIPBurst: cfg.PerIPBurst,
		buckets:    make(map[string]*bucket),
	}
}

// Allow reports whether a request from remoteAddr may proceed, consuming
// one token from both the global and the per-IP bucket if so.
func (l *Limiter) Allow(remoteAddr string) bool {
	if !l.enabled {
		return true
	}
	if !l.global.Allow() {
		return false
	}
	return l.perIPBucket(remoteAddr).Allow()
}

func (l *Limiter) perIPBucket(remoteAddr string) *rate.Limiter {
	ip := hostOf(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictIdleLocked()

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.perIPRPS, l.perIPBurst)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (l *Limiter) evictIdleLocked() {
	cutoff := time.Now().Add(-bucketIdleTimeout)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Middleware wraps next, rejecting requests over the configured rate with
// a 429 in the OpenAI error envelope.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			writeRateLimitError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
}
