package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/auth"
	"github.com/erauner12/bucketsync/internal/errcode"
)

// RateLimit configures a per-user token bucket. Tokens refill continuously at
// PerMinute/60 per second; Burst is the bucket capacity.
type RateLimit struct {
	PerMinute int
	// Burst is how many requests may land back to back. Zero defaults to a
	// sixth of the per-minute rate.
	Burst int
}

func (rl RateLimit) withDefaults() RateLimit {
	if rl.PerMinute <= 0 {
		rl.PerMinute = 60
	}
	if rl.Burst <= 0 {
		rl.Burst = rl.PerMinute / 6
		if rl.Burst < 1 {
			rl.Burst = 1
		}
	}
	return rl
}

// TokenBucket is one user's rate limiter state.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket with the given capacity and refill
// rate.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available. It reports the tokens remaining,
// when the next token becomes available (for Retry-After) and when the bucket
// is full again (for X-RateLimit-Reset).
func (tb *TokenBucket) Allow() (allowed bool, remaining int, nextToken, fullReset time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	missing := tb.capacity - tb.tokens
	fullReset = now.Add(time.Duration(missing / tb.refillRate * float64(time.Second)))

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullReset
	}

	wait := (1.0 - tb.tokens) / tb.refillRate
	return false, 0, now.Add(time.Duration(wait * float64(time.Second))), fullReset
}

// RateLimiter manages per-user token buckets. Buckets idle for an hour are
// dropped by a background sweep.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	config  RateLimit
}

// NewRateLimiter creates a rate limiter and starts its cleanup sweep.
func NewRateLimiter(config RateLimit) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config.withDefaults(),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) getBucket(userID string) *TokenBucket {
	rl.mu.RLock()
	bucket, ok := rl.buckets[userID]
	rl.mu.RUnlock()
	if ok {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, ok := rl.buckets[userID]; ok {
		return bucket
	}
	bucket = NewTokenBucket(rl.config.Burst, float64(rl.config.PerMinute)/60)
	rl.buckets[userID] = bucket
	return bucket
}

// Allow checks whether the user may make a request now.
func (rl *RateLimiter) Allow(userID string) (bool, int, time.Time, time.Time) {
	return rl.getBucket(userID).Allow()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for userID, bucket := range rl.buckets {
			bucket.mu.Lock()
			if time.Since(bucket.lastRefill) > time.Hour {
				delete(rl.buckets, userID)
			}
			bucket.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces a per-user limit on the routes it wraps. Each
// instance owns its own buckets, so different routes can carry different
// limits.
func RateLimitMiddleware(config RateLimit, log zerolog.Logger) func(http.Handler) http.Handler {
	config = config.withDefaults()
	limiter := NewRateLimiter(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.TokenFromContext(r.Context())
			if token == nil {
				// Unauthenticated requests are rejected by requireAuth, not
				// rate limited here.
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, nextToken, fullReset := limiter.Allow(token.UserID)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.PerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(fullReset.Unix(), 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(config.Burst))

			if !allowed {
				retryAfter := int(time.Until(nextToken).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("user_id", token.UserID).
					Str("path", r.URL.Path).
					Int("retry_after", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, r, errcode.Newf(errcode.CodeRateLimit,
					"rate limit exceeded, retry in %ds", retryAfter))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
