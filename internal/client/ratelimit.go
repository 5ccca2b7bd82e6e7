package client

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterCap bounds the keyed limiter map; beyond this the map is reset
// rather than tracked per-entry.
const limiterCap = 10000

// RateLimitConfig configures the local per-caller throttle applied before
// any network I/O.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per caller key.
	RequestsPerSecond float64
	// Burst is the number of requests a caller may issue at once.
	Burst int
}

// DefaultRateLimitConfig returns the default local throttle.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 10, Burst: 20}
}

// callerLimiter keys token buckets by logical caller (user ID, workflow
// name, or "default" for unattributed calls).
type callerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newCallerLimiter(cfg RateLimitConfig) *callerLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &callerLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
	}
}

// allow reports whether the caller may proceed right now. No waiting: a
// caller over its budget fails fast.
func (cl *callerLimiter) allow(key string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if len(cl.limiters) > limiterCap {
		cl.limiters = make(map[string]*rate.Limiter)
	}
	limiter, ok := cl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(cl.rate, cl.burst)
		cl.limiters[key] = limiter
	}
	return limiter.Allow()
}
