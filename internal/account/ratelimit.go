package account

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/acctmetrics"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
)

const (
	defaultRateLimit  = 120
	defaultRateWindow = time.Minute
)

// RateLimiter decides whether one more request for key fits in the budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// MemoryRateLimiter provides simple per-key sliding-window limiting for a
// single process. Keys with no attempts left in the window are forgotten.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	attempts  map[string][]time.Time
	limit     int
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryRateLimiter creates a rate limiter with the given limit per window.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &MemoryRateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks whether key is within the rate limit.
func (rl *MemoryRateLimiter) Allow(_ context.Context, key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(cutoff)
		rl.lastSweep = now
	}

	valid := trimAttempts(rl.attempts[key], cutoff)
	if len(valid) >= rl.limit {
		rl.attempts[key] = valid
		return false
	}

	rl.attempts[key] = append(valid, now)
	return true
}

// sweep drops keys whose attempts have all left the window.
func (rl *MemoryRateLimiter) sweep(cutoff time.Time) {
	for key, attempts := range rl.attempts {
		if len(trimAttempts(attempts, cutoff)) == 0 {
			delete(rl.attempts, key)
		}
	}
}

// trimAttempts drops the expired prefix of attempts, which are kept in
// arrival order.
func trimAttempts(attempts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(attempts) && !attempts[i].After(cutoff) {
		i++
	}
	return attempts[i:]
}

// RedisRateLimiter shares a GCRA budget across replicas through Redis.
// Redis errors fail open.
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisRateLimiter limits each key to limit requests per window.
func NewRedisRateLimiter(rdb *redis.Client, route string, limit int, window time.Duration) *RedisRateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.Limit{Rate: limit, Burst: limit, Period: window},
		prefix:  "ratelimit:" + route + ":",
	}
}

// Allow checks whether key is within the shared rate limit.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	res, err := rl.limiter.Allow(ctx, rl.prefix+key, rl.limit)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("key", rl.prefix+key).Msg("Rate limiter unavailable, allowing request")
		return true
	}
	return res.Allowed > 0
}

// newRateLimiter returns a Redis-backed limiter when rdb is set, otherwise an
// in-memory one.
func newRateLimiter(rdb *redis.Client, route string, limit int, window time.Duration) RateLimiter {
	if rdb != nil {
		return NewRedisRateLimiter(rdb, route, limit, window)
	}
	return NewMemoryRateLimiter(limit, window)
}

// rateLimitMiddleware rejects requests over budget with 429, keyed by client IP.
func rateLimitMiddleware(route string, rl RateLimiter, proxies *TrustedProxies, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := proxies.ClientIP(r)
		if !rl.Allow(r.Context(), ip) {
			acctmetrics.RateLimitedTotal.WithLabelValues(route).Inc()
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
