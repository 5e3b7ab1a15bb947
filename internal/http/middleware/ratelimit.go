// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds the process-local token-bucket limiter. Each caller gets
// its own bucket; streaming chat requests may spend more than one token.
// Idempotent replays flagged by IdempotencyValidator are never charged.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc maps a request to its bucket key. Keys are "scope:value".
type KeyFunc func(*gin.Context) string

// CostFunc returns how many tokens a request spends.
type CostFunc func(*gin.Context) int

// Bucket key scopes produced by KeyBySubjectOrIP.
const (
	scopeSubject = "sub"
	scopeIP      = "ip"
)

// KeyBySubjectOrIP keys buckets by the verified bearer token subject, and
// by client IP for callers without a token. The X-Tenant-ID and X-User-ID
// headers are never used: they are unverified, and keying on them would
// hand out a fresh bucket per invented id. It must run after Authenticate.
func KeyBySubjectOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if cl, ok := ClaimsFrom(c); ok && cl.UserID != "" {
			return scopeSubject + ":" + cl.UserID
		}
		return scopeIP + ":" + c.ClientIP()
	}
}

// CostByPath charges the listed exact paths their mapped cost and every
// other request one token.
func CostByPath(costs map[string]int) CostFunc {
	return func(c *gin.Context) int {
		if n, ok := costs[c.Request.URL.Path]; ok {
			return n
		}
		return 1
	}
}

// RateLimitOptions configures NewRateLimiter. Zero values fall back to
// burst 1, KeyBySubjectOrIP, cost 1 and a ten minute idle TTL.
type RateLimitOptions struct {
	RPS     float64
	Burst   int
	Key     KeyFunc
	Cost    CostFunc
	IdleTTL time.Duration
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	limit rate.Limit
	burst int
	key   KeyFunc
	cost  CostFunc
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

// NewRateLimiter builds a limiter from opts.
func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.Key == nil {
		opts.Key = KeyBySubjectOrIP()
	}
	if opts.Cost == nil {
		opts.Cost = func(*gin.Context) int { return 1 }
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		limit:   rate.Limit(opts.RPS),
		burst:   opts.Burst,
		key:     opts.Key,
		cost:    opts.Cost,
		idle:    opts.IdleTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// bucketFor returns key's limiter, creating it if needed. Buckets idle for
// longer than the TTL are swept at most once per TTL, before the lookup.
func (rl *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !now.Before(rl.nextSweep) {
		for k, b := range rl.buckets {
			if now.Sub(b.seen) >= rl.idle {
				delete(rl.buckets, k)
			}
		}
		rl.nextSweep = now.Add(rl.idle)
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

// take spends n tokens from key's bucket. n is clamped to [1, burst] so an
// oversized cost cannot lock a caller out. On refusal it reports how long
// until n tokens are available.
func (rl *RateLimiter) take(key string, n int, now time.Time) (bool, time.Duration) {
	n = min(max(n, 1), rl.burst)
	lim := rl.bucketFor(key, now)
	if lim.AllowN(now, n) {
		return true, 0
	}
	r := lim.ReserveN(now, n)
	if !r.OK() {
		return false, time.Second
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// IsRateBypass reports whether IdempotencyValidator flagged the request as
// a replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limits. Refused requests get 429 rate_limited with
// Retry-After set to the whole seconds until the bucket can pay.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		key := rl.key(c)
		ok, wait := rl.take(key, rl.cost(c), rl.now())
		if ok {
			c.Next()
			return
		}

		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		rateLimited.WithLabelValues(keyScope(key)).Inc()
		abortJSON(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	}
}

// keyScope bounds the metric label to the known scopes.
func keyScope(key string) string {
	scope, _, _ := strings.Cut(key, ":")
	switch scope {
	case scopeSubject, scopeIP:
		return scope
	}
	return "custom"
}
