package store

import (
	"context"
	"sync"
	"time"
)

// entry wraps a value with expiration metadata. A zero ExpiresAt means the
// entry never expires.
type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Mem is an in-memory [KV] with TTL support and a background cleanup loop.
// It backs single-node deployments and every test that would otherwise need
// a Redis server.
type Mem struct {
	mu     sync.RWMutex
	items  map[string]entry
	stopCh chan struct{}
	once   sync.Once
}

var _ KV = (*Mem)(nil)

// NewMem creates a memory store whose cleanup loop runs at the given
// interval. Expired entries are also filtered lazily on Get, so the interval
// only bounds memory growth, not correctness.
func NewMem(cleanupInterval time.Duration) *Mem {
	m := &Mem{
		items:  make(map[string]entry),
		stopCh: make(chan struct{}),
	}
	go m.cleanupLoop(cleanupInterval)
	return m
}

// Set stores value under key. A zero ttl means no expiry.
func (m *Mem) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = e
	m.mu.Unlock()
	return nil
}

// Get returns the value stored under key, or [ErrNotFound].
func (m *Mem) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Del removes key.
func (m *Mem) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Close stops the cleanup loop. Idempotent.
func (m *Mem) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

func (m *Mem) cleanupLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, e := range m.items {
				if e.expired(now) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}
