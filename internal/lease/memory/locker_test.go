package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bylaw-capture/internal/lease"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLockerSerializesOwners(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(clk)
	ctx := context.Background()

	ok, holder, err := l.Acquire(ctx, "site-a", "job-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", holder)

	ok, holder, err = l.Acquire(ctx, "site-a", "job-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "job-1", holder)

	ok, _, err = l.Acquire(ctx, "site-b", "job-3", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, l.Release(ctx, "site-a", "job-2"), lease.ErrLeaseLost)
	require.NoError(t, l.Release(ctx, "site-a", "job-1"))

	ok, _, err = l.Acquire(ctx, "site-a", "job-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockerExpiry(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(clk)
	ctx := context.Background()

	ok, _, _ := l.Acquire(ctx, "site-a", "job-1", time.Minute)
	require.True(t, ok)
	clk.advance(30 * time.Second)
	require.NoError(t, l.Extend(ctx, "site-a", "job-1", time.Minute))
	clk.advance(45 * time.Second)

	ok, _, _ = l.Acquire(ctx, "site-a", "job-2", time.Minute)
	require.False(t, ok, "extended lease must still be held")

	clk.advance(time.Minute)
	require.ErrorIs(t, l.Extend(ctx, "site-a", "job-1", time.Minute), lease.ErrLeaseLost)
	ok, _, _ = l.Acquire(ctx, "site-a", "job-2", time.Minute)
	require.True(t, ok, "expired lease must be reclaimable")
}

func TestLockerHolder(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(clk)
	ctx := context.Background()

	holder, err := l.Holder(ctx, "site-a")
	require.NoError(t, err)
	require.Empty(t, holder)

	ok, _, _ := l.Acquire(ctx, "site-a", "job-1", time.Minute)
	require.True(t, ok)
	holder, err = l.Holder(ctx, "site-a")
	require.NoError(t, err)
	require.Equal(t, "job-1", holder)

	clk.advance(2 * time.Minute)
	holder, err = l.Holder(ctx, "site-a")
	require.NoError(t, err)
	require.Empty(t, holder, "expired lease has no holder")
}
