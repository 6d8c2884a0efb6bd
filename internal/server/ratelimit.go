package server

import (
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a token bucket per caller. Callers are API key
// names when auth is on, client addresses otherwise.
type RateLimiter struct {
	mu      sync.Mutex
	callers map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewRateLimiter allows rps requests per second per caller with the given
// burst. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{callers: make(map[string]*rate.Limiter)}
	rl.SetLimit(rps, burst)
	return rl
}

// SetLimit changes the rate for existing and future callers.
func (rl *RateLimiter) SetLimit(rps float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limit, rl.burst = limit, burst
	for _, l := range rl.callers {
		l.SetLimit(limit)
		l.SetBurst(burst)
	}
}

// Allow reports whether a request from caller may proceed.
func (rl *RateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	l, ok := rl.callers[caller]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.callers[caller] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

// Middleware returns 429 with Retry-After when the caller is over its rate.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := CallerFromContext(r.Context())
			if caller == "" {
				caller = r.RemoteAddr
			}
			if !rl.Allow(caller) {
				rl.mu.Lock()
				burst := rl.burst
				rl.mu.Unlock()
				w.Header().Set("Retry-After", "1")
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(burst))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
