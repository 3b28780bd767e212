// Package cache holds the TTL caches used for validation-result memoisation
// and API key verification.
package cache

import (
	"context"
	"sync"
	"time"
)

// TTL is an in-memory map whose entries expire after a fixed duration.
// Uses sync.Map for lock-free reads on the hot path. Expired entries are
// dropped on access and by Janitor.
type TTL[V any] struct {
	store sync.Map // map[string]*entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates a cache with the given TTL.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{ttl: ttl, now: time.Now}
}

// Get returns the value for key if present and not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	val, ok := c.store.Load(key)
	if !ok {
		return zero, false
	}
	e := val.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.store.CompareAndDelete(key, e)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the configured TTL.
func (c *TTL[V]) Set(key string, value V) {
	c.store.Store(key, &entry[V]{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Delete removes an entry.
func (c *TTL[V]) Delete(key string) {
	c.store.Delete(key)
}

// Len counts live and not yet swept entries.
func (c *TTL[V]) Len() int {
	n := 0
	c.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep drops every expired entry and returns how many were removed.
func (c *TTL[V]) Sweep() int {
	now := c.now()
	removed := 0
	c.store.Range(func(k, v any) bool {
		if !now.Before(v.(*entry[V]).expiresAt) {
			if c.store.CompareAndDelete(k, v) {
				removed++
			}
		}
		return true
	})
	return removed
}

// Janitor sweeps on every tick until ctx is cancelled.
func (c *TTL[V]) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
