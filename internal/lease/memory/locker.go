// Package memory implements an in-process site lease.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/bylaw-capture/internal/bylaw"
	"github.com/JakeFAU/bylaw-capture/internal/lease"
)

type entry struct {
	owner   string
	expires time.Time
}

// Locker grants site leases held in a map.
type Locker struct {
	mu     sync.Mutex
	clock  bylaw.Clock
	leases map[string]entry
}

// New constructs a Locker that reads time from clock.
func New(clock bylaw.Clock) *Locker {
	return &Locker{clock: clock, leases: make(map[string]entry)}
}

// Acquire takes the lease unless another owner holds an unexpired one.
func (l *Locker) Acquire(_ context.Context, siteID, owner string, ttl time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if cur, ok := l.leases[siteID]; ok && now.Before(cur.expires) && cur.owner != owner {
		return false, cur.owner, nil
	}
	l.leases[siteID] = entry{owner: owner, expires: now.Add(ttl)}
	return true, owner, nil
}

// Extend pushes the expiry of a lease still held by owner.
func (l *Locker) Extend(_ context.Context, siteID, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	cur, ok := l.leases[siteID]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return fmt.Errorf("extend %s: %w", siteID, lease.ErrLeaseLost)
	}
	cur.expires = now.Add(ttl)
	l.leases[siteID] = cur
	return nil
}

// Release drops the lease if owner still holds it.
func (l *Locker) Release(_ context.Context, siteID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[siteID]
	if !ok || cur.owner != owner {
		return fmt.Errorf("release %s: %w", siteID, lease.ErrLeaseLost)
	}
	delete(l.leases, siteID)
	return nil
}

// Holder returns the owner of an unexpired lease on siteID.
func (l *Locker) Holder(_ context.Context, siteID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[siteID]
	if !ok || !l.clock.Now().Before(cur.expires) {
		return "", nil
	}
	return cur.owner, nil
}
