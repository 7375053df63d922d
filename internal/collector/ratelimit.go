package collector

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
)

// RateLimiter is a token bucket per source IP.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int
	idle    time.Duration
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewRateLimiter allows rate requests per second per IP with bursts of
// up to burst.
func NewRateLimiter(rate float64, burst int, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clock:   clk,
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		idle:    5 * time.Minute,
	}
}

// Allow takes a token for ip.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.sweepLocked(now)

	b, ok := rl.buckets[ip]
	if !ok {
		rl.buckets[ip] = &bucket{tokens: float64(rl.burst) - 1, lastCheck: now}
		return rl.burst > 0
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// sweepLocked forgets buckets idle for longer than rl.idle. Buckets are
// swept lazily instead of from a background goroutine.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.lastCheck) > rl.idle {
			delete(rl.buckets, ip)
		}
	}
}

// Middleware answers 429 once a client exceeds its budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(remoteIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteIP uses RemoteAddr only; forwarded headers can be spoofed.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
