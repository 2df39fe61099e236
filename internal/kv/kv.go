// Package kv provides the key-value store with TTLs and leases that backs
// the retry queue and per-notification single-writer locks.
//
// Two backends: Memory for tests and single-process development, and SQLite
// (pure Go, modernc.org/sqlite) so queued retries survive a restart.
package kv

import (
	"context"
	"time"
)

// Store is a key-value store with optional per-key expiry and leases.
//
// A lease is a key that only one owner can hold until it is released or its
// TTL elapses. Leases and values share one keyspace; callers namespace keys.
type Store interface {
	// Get returns the value for key; ok is false for missing or expired keys.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value. ttl <= 0 keeps the key until it is deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Scan returns every live key with the given prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	// Acquire takes the lease on key for owner. It returns false when another
	// live lease exists.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, key, owner string) error
	// Sweep deletes expired keys and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
)
