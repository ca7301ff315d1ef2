package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PushConcurrencyConfig defines concurrency limits for pushes
type PushConcurrencyConfig struct {
	MaxConcurrentPerTenant int           // Max concurrent pushes per tenant
	MaxConcurrentPerTarget int           // Max concurrent pushes per tenant+target
	QueueTimeout           time.Duration // Max time to wait for a slot
}

// DefaultPushConcurrencyConfig returns production defaults
func DefaultPushConcurrencyConfig() *PushConcurrencyConfig {
	return &PushConcurrencyConfig{
		MaxConcurrentPerTenant: 2,
		MaxConcurrentPerTarget: 1,
		QueueTimeout:           30 * time.Second,
	}
}

// PushLimiter manages per-tenant and per-target push slots
type PushLimiter struct {
	mu         sync.RWMutex
	tenantSems map[string]chan struct{}
	targetSems map[string]chan struct{}
	config     *PushConcurrencyConfig
	active     map[string]int // active pushes per tenant
}

// NewPushLimiter creates a push limiter
func NewPushLimiter(config *PushConcurrencyConfig) *PushLimiter {
	if config == nil {
		config = DefaultPushConcurrencyConfig()
	}
	return &PushLimiter{
		tenantSems: make(map[string]chan struct{}),
		targetSems: make(map[string]chan struct{}),
		config:     config,
		active:     make(map[string]int),
	}
}

func (l *PushLimiter) semaphore(sems map[string]chan struct{}, key string, size int) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sem, exists := sems[key]; exists {
		return sem
	}
	sem := make(chan struct{}, size)
	sems[key] = sem
	return sem
}

// Acquire waits up to the queue timeout for a tenant slot and a target slot.
// The returned release function must be called when the push finishes.
func (l *PushLimiter) Acquire(ctx context.Context, tenantID, target string) (func(), error) {
	queueCtx, cancel := context.WithTimeout(ctx, l.config.QueueTimeout)
	defer cancel()

	tenantSem := l.semaphore(l.tenantSems, tenantID, l.config.MaxConcurrentPerTenant)
	select {
	case tenantSem <- struct{}{}:
	case <-queueCtx.Done():
		return nil, fmt.Errorf("timeout waiting for push slot: tenant=%s: %w", tenantID, ErrPushInProgress)
	}

	targetSem := l.semaphore(l.targetSems, scopeKey(tenantID, target), l.config.MaxConcurrentPerTarget)
	select {
	case targetSem <- struct{}{}:
	case <-queueCtx.Done():
		<-tenantSem
		return nil, fmt.Errorf("timeout waiting for push slot: target=%s: %w", target, ErrPushInProgress)
	}

	return l.track(tenantID, tenantSem, targetSem), nil
}

// TryAcquire takes both slots without blocking
func (l *PushLimiter) TryAcquire(tenantID, target string) (func(), bool) {
	tenantSem := l.semaphore(l.tenantSems, tenantID, l.config.MaxConcurrentPerTenant)
	select {
	case tenantSem <- struct{}{}:
	default:
		return nil, false
	}

	targetSem := l.semaphore(l.targetSems, scopeKey(tenantID, target), l.config.MaxConcurrentPerTarget)
	select {
	case targetSem <- struct{}{}:
	default:
		<-tenantSem
		return nil, false
	}

	return l.track(tenantID, tenantSem, targetSem), true
}

func (l *PushLimiter) track(tenantID string, tenantSem, targetSem chan struct{}) func() {
	l.mu.Lock()
	l.active[tenantID]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.active[tenantID]--
			l.mu.Unlock()

			<-targetSem
			<-tenantSem
		})
	}
}

// ActivePushes returns the number of running pushes for a tenant
func (l *PushLimiter) ActivePushes(tenantID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active[tenantID]
}

// Stats returns limiter statistics
func (l *PushLimiter) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	byTenant := make(map[string]int, len(l.active))
	for k, v := range l.active {
		if v > 0 {
			byTenant[k] = v
		}
	}
	return map[string]interface{}{
		"maxConcurrentPerTenant": l.config.MaxConcurrentPerTenant,
		"maxConcurrentPerTarget": l.config.MaxConcurrentPerTarget,
		"queueTimeout":           l.config.QueueTimeout.String(),
		"activePushesByTenant":   byTenant,
	}
}

func scopeKey(tenantID, target string) string {
	return tenantID + "\x00" + target
}
