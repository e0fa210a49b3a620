// Package cache memoizes pipeline results per owner in a KVStore.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/telemetry"
)

// DefaultTTL is how long a cached result stays fresh.
const DefaultTTL = 24 * time.Hour

// Cache implements ports.ResultCache with one row per owner key.
// Writes overwrite (last write wins); reads treat expired rows as absent.
type Cache struct {
	store      ports.KVStore
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

var _ ports.ResultCache = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL sets the TTL used when Put is called with ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics records hits and misses.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache over store.
func New(store ports.KVStore, opts ...Option) *Cache {
	c := &Cache{
		store:      store,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StorageKey is the KVStore key holding key's entry.
func StorageKey(key domain.OwnerKey) string {
	return "cache:" + key.String()
}

// Get returns the fresh entry for key, if any.
func (c *Cache) Get(ctx context.Context, key domain.OwnerKey) (*domain.CacheEntry, bool, error) {
	raw, ok, err := c.store.Get(ctx, StorageKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		c.metrics.RecordCacheLookup("miss")
		return nil, false, nil
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}

	if entry.Expired(c.now()) {
		c.metrics.RecordCacheLookup("expired")
		if err := c.store.Delete(ctx, StorageKey(key)); err != nil {
			c.logger.Warn("failed to delete stale cache entry",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
		return nil, false, nil
	}

	c.metrics.RecordCacheLookup("hit")
	return &entry, true, nil
}

// Put stores payload for key, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key domain.OwnerKey, payload any, ttl time.Duration) (*domain.CacheEntry, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode cache payload %s: %w", key, err)
	}

	now := c.now().UTC()
	entry := &domain.CacheEntry{
		OwnerKey:  key,
		Payload:   body,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if err := c.store.Set(ctx, StorageKey(key), string(raw), ttl); err != nil {
		return nil, fmt.Errorf("cache put %s: %w", key, err)
	}
	return entry, nil
}

// Decode unmarshals entry's payload into v.
func Decode(entry *domain.CacheEntry, v any) error {
	if entry == nil {
		return fmt.Errorf("nil cache entry")
	}
	return json.Unmarshal(entry.Payload, v)
}
