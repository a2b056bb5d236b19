package api

import (
	"sync"
	"time"

	"biblio/internal/config"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterPruneEvery = time.Minute
	defaultBurst      = 5
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client key, shared by HTTP and gRPC.
// Keys fall back to the remote host, so idle buckets are dropped after limiterIdleTTL.
type rateLimiter struct {
	cfg config.APIRateLimitConfig
	now func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	return &rateLimiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

// allow is always true when rate limiting is off.
func (l *rateLimiter) allow(key string) bool {
	if l.cfg.RPS <= 0 {
		return true
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) >= limiterPruneEvery {
		l.prune(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// prune must be called with mu held.
func (l *rateLimiter) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, k)
		}
	}
	l.lastPrune = now
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
