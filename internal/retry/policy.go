// Package retry runs fallible operations under exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter spreads each delay over [delay/2, delay).
	Jitter bool
}

// FromConfig builds a jittered policy from a site's retry block.
func FromConfig(cfg bylaw.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay(),
		Multiplier:  2,
		MaxDelay:    cfg.MaxDelay(),
		Jitter:      true,
	}
}

// Backoff returns the wait before attempt+1, where attempt counts from 1.
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if !p.Jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

// Sleep blocks for d or until ctx ends.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a non-transient error or the
// attempt budget is spent. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, sleeper Sleeper, fn func(ctx context.Context, attempt int) error) (int, error) {
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !bylaw.IsTransient(err) || attempt == maxAttempts {
			return attempt, err
		}
		if sleepErr := sleeper.Sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}
