package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const evictInterval = 5 * time.Minute

type entry struct {
	data      []byte
	expiresAt time.Time // zero: no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a thread-safe in-process Store. State is lost on restart; use
// SQLite when the queue must survive one.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   clockwork.Clock
	stop    chan struct{}
	once    sync.Once
}

// NewMemory creates an in-memory store and starts its eviction loop.
// A nil clock uses the wall clock.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Memory{
		entries: make(map[string]entry),
		clock:   clock,
		stop:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.expired(m.clock.Now()) {
		return nil, false, nil
	}
	return append([]byte(nil), e.data...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{data: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock.Now()
	out := make(map[string][]byte)
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			out[k] = append([]byte(nil), e.data...)
		}
	}
	return out, nil
}

func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !e.expired(m.clock.Now()) {
		return false, nil
	}
	m.entries[key] = entry{data: []byte(owner), expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && string(e.data) == owner {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	return m.evict(), nil
}

// Stats returns key counts for health reporting.
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	now := m.clock.Now()
	for _, e := range m.entries {
		if !e.expired(now) {
			active++
		}
	}
	return map[string]interface{}{
		"backend":      "memory",
		"total_keys":   len(m.entries),
		"active_keys":  active,
		"expired_keys": len(m.entries) - active,
	}
}

// Close stops the eviction loop.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// evictLoop periodically removes expired entries.
func (m *Memory) evictLoop() {
	ticker := m.clock.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.evict()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			n++
		}
	}
	return n
}
