// Package ratelimit paces requests per tracked site with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bylaw-capture/internal/telemetry"
)

// Limiter keeps one token bucket per site. A site's rate comes from its
// configuration and may change between jobs.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
}

// Config holds rate limiter configuration.
type Config struct {
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		burst:    burst,
	}
}

func (l *Limiter) limiterFor(siteID string, rps float64) *rate.Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[siteID]
	if !ok {
		limiter = rate.NewLimiter(limit, l.burst)
		l.limiters[siteID] = limiter
		return limiter
	}
	if limiter.Limit() != limit {
		limiter.SetLimit(limit)
	}
	return limiter
}

// Wait blocks until siteID may issue another request at rps requests per
// second.
func (l *Limiter) Wait(ctx context.Context, siteID string, rps float64) error {
	limiter := l.limiterFor(siteID, rps)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(siteID, waited)
	}
	return nil
}

// Forget drops a site's bucket.
func (l *Limiter) Forget(siteID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, siteID)
}
