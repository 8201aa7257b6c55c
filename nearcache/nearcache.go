// Package nearcache implements the over-limit near-cache: an in-process,
// insert-only, expiring set the engine consults before it touches a
// Store. A key present in the near-cache means "the last time we
// checked the authoritative counter for this window, it was already
// over limit" — so the engine can short-circuit straight to OverLimit
// without a store round trip. It is a latency optimization only: a
// miss here never means "under limit", it only means "go ask the
// store."
package nearcache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Cache is the over-limit near-cache. It is safe for concurrent use.
type Cache struct {
	ristretto *ristretto.Cache
}

// Config bounds the near-cache's size.
type Config struct {
	// NumCounters sizes ristretto's admission-policy counters; ristretto's
	// own guidance is roughly 10x the number of items expected to fit in
	// MaxCost at once. Defaults to 1e6 if zero.
	NumCounters int64
	// MaxCost bounds the cache's size, counted in number of entries since
	// every Set call below uses a cost of 1. Defaults to 1e5 if zero.
	MaxCost int64
}

func (c Config) withDefaults() Config {
	if c.NumCounters <= 0 {
		c.NumCounters = 1e6
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 1e5
	}
	return c
}

// New builds a Cache bounded by cfg.
func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{ristretto: rc}, nil
}

// MarkOverLimit records that key was over limit for this window. ttl
// should be the remaining lifetime of the window the key encodes, so
// the entry never outlives the counter it stands in for.
func (c *Cache) MarkOverLimit(key string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.ristretto.SetWithTTL(key, struct{}{}, 1, ttl)
}

// IsOverLimit reports whether key was previously marked over limit and
// that mark hasn't expired yet. A false result is not a guarantee the
// window is under limit — only that the near-cache has no opinion and
// the store must be consulted.
func (c *Cache) IsOverLimit(key string) bool {
	_, found := c.ristretto.Get(key)
	return found
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.ristretto.Close()
}
