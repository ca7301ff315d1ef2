package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"catalog-sync-service/internal/clock"
)

// BackendMemory is reported when no remote mirror is configured or it is unavailable
const BackendMemory = "memory"

// Remote is a shared byte store used to mirror caches across instances
type Remote interface {
	// Get returns ErrCacheMiss when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Name() string
}

// CacheError is a sentinel cache error
type CacheError string

func (e CacheError) Error() string { return string(e) }

const (
	// ErrCacheMiss indicates the key was not found in cache.
	ErrCacheMiss CacheError = "cache miss"
)

// envelope is the mirrored wire form: payload plus absolute expiry in epoch millis
type envelope struct {
	ExpiresAt int64           `json:"expiresAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Mirrored is a TTL cache that also writes through to an optional remote store
type Mirrored[T any] struct {
	local  *TTLCache[T]
	remote Remote
	key    string
	clock  clock.Clock
}

// NewMirrored creates a mirrored cache. remote may be nil.
func NewMirrored[T any](key string, ttl time.Duration, clk clock.Clock, remote Remote) *Mirrored[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Mirrored[T]{
		local:  NewTTLCache[T](ttl, clk),
		remote: remote,
		key:    key,
		clock:  clk,
	}
}

// Load returns the value and whether it is fresh. On a local miss the remote mirror is consulted.
// A remote error is returned alongside the (possibly stale) local value.
func (m *Mirrored[T]) Load(ctx context.Context) (T, bool, error) {
	value, fresh := m.local.Get()
	if fresh || m.remote == nil {
		return value, fresh, nil
	}

	data, err := m.remote.Get(ctx, m.key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return value, false, nil
		}
		return value, false, fmt.Errorf("%s mirror read %s: %w", m.remote.Name(), m.key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return value, false, fmt.Errorf("decode mirrored %s: %w", m.key, err)
	}
	expiresAt := time.UnixMilli(env.ExpiresAt)
	if !m.clock.Now().Before(expiresAt) {
		return value, false, nil
	}

	var remoteValue T
	if err := json.Unmarshal(env.Payload, &remoteValue); err != nil {
		return value, false, fmt.Errorf("decode mirrored %s payload: %w", m.key, err)
	}
	m.local.SetUntil(remoteValue, expiresAt)
	return remoteValue, true, nil
}

// Store replaces the value locally and in the mirror. The local write always happens.
func (m *Mirrored[T]) Store(ctx context.Context, value T) error {
	m.local.Set(value)
	if m.remote == nil {
		return nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.key, err)
	}
	data, err := json.Marshal(envelope{
		ExpiresAt: m.local.ExpiresAt().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", m.key, err)
	}
	if err := m.remote.Set(ctx, m.key, data, m.local.TTL()); err != nil {
		return fmt.Errorf("%s mirror write %s: %w", m.remote.Name(), m.key, err)
	}
	return nil
}

// Peek returns the local value regardless of freshness
func (m *Mirrored[T]) Peek() (T, bool) {
	return m.local.Peek()
}

// Backend names the store backing this cache
func (m *Mirrored[T]) Backend() string {
	if m.remote == nil {
		return BackendMemory
	}
	return m.remote.Name()
}
