package cache

import (
	"sync"
	"time"

	"catalog-sync-service/internal/clock"
)

// TTLCache holds a single value that is fresh until its expiry.
// A stale value is kept until overwritten so callers can decide whether to use it.
type TTLCache[T any] struct {
	mu        sync.RWMutex
	clock     clock.Clock
	ttl       time.Duration
	value     T
	expiresAt time.Time
	set       bool
}

// NewTTLCache creates an empty cache with the given TTL
func NewTTLCache[T any](ttl time.Duration, clk clock.Clock) *TTLCache[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TTLCache[T]{ttl: ttl, clock: clk}
}

// Get returns the cached value and whether it is still fresh
func (c *TTLCache[T]) Get() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		var zero T
		return zero, false
	}
	return c.value, c.clock.Now().Before(c.expiresAt)
}

// Peek returns the value regardless of freshness and whether one was ever set
func (c *TTLCache[T]) Peek() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.set
}

// Set stores the value with the cache's TTL
func (c *TTLCache[T]) Set(value T) {
	c.SetUntil(value, c.clock.Now().Add(c.ttl))
}

// SetUntil stores the value with an explicit expiry
func (c *TTLCache[T]) SetUntil(value T, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.expiresAt = expiresAt
	c.set = true
}

// Invalidate marks the current value stale without dropping it
func (c *TTLCache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiresAt = time.Time{}
}

// ExpiresAt returns the expiry of the current value
func (c *TTLCache[T]) ExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

// TTL returns the configured time-to-live
func (c *TTLCache[T]) TTL() time.Duration {
	return c.ttl
}
