// Package store provides the shared state store: a durable key-value
// layer with TTL expiry and atomic compare-and-swap, used to persist
// window counters and cache entries across process restarts.
package store

import (
	"context"
	"time"
)

// KV is one stored key/value pair.
type KV struct {
	Key   string
	Value []byte
}

// Store is the persistence boundary consumed by the governor and the
// cache manager. Implementations must make CompareAndSwap atomic with
// respect to concurrent writers.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes key to value. A ttl of zero means the entry never
	// expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap replaces the value only if the stored value equals
	// old. A nil old means "create only if absent". Returns true when the
	// swap happened.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every live entry whose key starts with prefix
	// and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// List returns all live entries whose key starts with prefix, ordered
	// by key.
	List(ctx context.Context, prefix string) ([]KV, error)

	Close() error
}
