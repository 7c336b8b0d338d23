package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mobishop/api/internal/platform/httpx"
)

const limiterIdleTTL = 10 * time.Minute

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter keeps one token bucket per key. Buckets idle for limiterIdleTTL are pruned
// on insert.
type keyedRateLimiter struct {
	limit rate.Limit
	burst int
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedRateLimiter(perMinute int, clock func() time.Time) rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.pruneLocked(now)
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, key)
		}
	}
}

// rateLimitByUser rejects requests once the caller's bucket is empty. It must run after
// authentication so the key is the verified uid.
func rateLimitByUser(limiter rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if uid, ok := userIDFromRequest(r); ok {
				key = uid
			}
			if !limiter.Allow(key) {
				w.Header().Set("Retry-After", "60")
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests; retry later", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
