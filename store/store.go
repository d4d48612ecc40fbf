// Package store provides the minimal keyed-storage capability the broker
// needs: atomic per-key get/put/delete plus compare-and-set. Any backend
// with per-key consistency satisfies it; the broker ships an in-process
// implementation and a Redis one.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when no live value exists for the key.
var ErrKeyNotFound = errors.New("key not found")

// Store is the capability interface sessions, flow records, threads and
// secrets are persisted behind.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSet atomically replaces the value under key with new,
	// but only if the current value equals old. It reports whether the
	// swap happened. A nil old means "only if the key is absent".
	CompareAndSet(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)
}
