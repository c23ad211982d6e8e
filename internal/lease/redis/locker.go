// Package redis implements site leases on Redis so capture jobs serialize
// across replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/bylaw-capture/internal/lease"
)

// Config configures the Redis connection.
type Config struct {
	URL          string
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker grants site leases with SET NX PX and token-checked release.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// NewClient parses the URL, applies pool options and pings the server.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string) *Locker {
	if prefix == "" {
		prefix = "bylaw:lease:"
	}
	return &Locker{client: client, prefix: prefix}
}

func (l *Locker) key(siteID string) string {
	return l.prefix + siteID
}

// Acquire sets the lease key if absent. When it is held the current owner is
// returned.
func (l *Locker) Acquire(ctx context.Context, siteID, owner string, ttl time.Duration) (bool, string, error) {
	ok, err := l.client.SetNX(ctx, l.key(siteID), owner, ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("acquire lease %s: %w", siteID, err)
	}
	if ok {
		return true, owner, nil
	}
	holder, err := l.client.Get(ctx, l.key(siteID)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the caller may simply retry.
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read lease holder %s: %w", siteID, err)
	}
	if holder == owner {
		return true, owner, nil
	}
	return false, holder, nil
}

// Extend refreshes the TTL of a lease still held by owner.
func (l *Locker) Extend(ctx context.Context, siteID, owner string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(siteID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", siteID, err)
	}
	if n == 0 {
		return fmt.Errorf("extend %s: %w", siteID, lease.ErrLeaseLost)
	}
	return nil
}

// Release deletes the lease key only if owner still holds it.
func (l *Locker) Release(ctx context.Context, siteID, owner string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(siteID)}, owner).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", siteID, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", siteID, lease.ErrLeaseLost)
	}
	return nil
}

// Holder reads the current lease owner. An expired or absent key is "".
func (l *Locker) Holder(ctx context.Context, siteID string) (string, error) {
	holder, err := l.client.Get(ctx, l.key(siteID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease holder %s: %w", siteID, err)
	}
	return holder, nil
}

// Health checks connectivity for readiness checks.
func (l *Locker) Health(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
