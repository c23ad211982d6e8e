package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitPacesSameSite(t *testing.T) {
	t.Parallel()

	l := New(Config{Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "site-a", 10))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "site-a", 10))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitIsolatesSites(t *testing.T) {
	t.Parallel()

	l := New(Config{Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "site-a", 1))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "site-b", 1))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "site-a", 0.1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "site-a", 0.1))
}

func TestWaitAdoptsNewRate(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.NoError(t, l.Wait(context.Background(), "site-a", 1))
	lim := l.limiterFor("site-a", 50)
	require.InDelta(t, 50, float64(lim.Limit()), 0.001)

	l.Forget("site-a")
	require.NotSame(t, lim, l.limiterFor("site-a", 50))
}

func TestZeroRateIsUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "site-a", 0))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
