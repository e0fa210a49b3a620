// Package ports defines the core interfaces for the pipeline.
// This file contains the key-value store shared by admission control and the result cache.
package ports

import (
	"context"
	"time"
)

// KVStore is a key-value store with atomic increment and per-key expiry.
// Implementations: in-memory (tests, single instance), SQLite, BadgerDB.
type KVStore interface {
	// Get returns the value and whether the key exists and has not expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the integer at key (missing or expired keys
	// count as 0) and returns the new value. Expiry is preserved.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the key's time to live. Missing keys are ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// PurgeExpired physically removes expired keys and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}
