package ratelimitd

import (
	"time"

	"github.com/ratelimitd/ratelimitd/logging"
	"github.com/ratelimitd/ratelimitd/metrics"
	"github.com/ratelimitd/ratelimitd/nearcache"
)

// engineConfig holds every configurable parameter for an Engine. Users
// interact with it via functional options, never directly.
type engineConfig struct {
	logger         logging.Logger
	metrics        *metrics.Metrics
	nearCache      *nearcache.Cache
	cacheKeyPrefix string
	// nearLimitRatio is accepted for interface compatibility with the
	// configuration this engine was ported from, but nothing in Decide
	// currently consults it — every descriptor's status is either Ok or
	// OverLimit, with no third "near the limit" code. It is stored so a
	// future near-limit warning code can be added without another
	// breaking option.
	nearLimitRatio float32
}

// Option applies a configuration setting to an Engine under
// construction.
type Option func(*engineConfig)

func newEngineConfig(opts ...Option) *engineConfig {
	cfg := &engineConfig{
		logger:         logging.Nop{},
		nearLimitRatio: 0.8,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithLogger sets the logger the engine reports through. Defaults to a
// no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics attaches a metrics.Metrics instance the engine reports
// request/store/cache counters against. Defaults to nil, in which case
// no metrics are recorded.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *engineConfig) {
		c.metrics = m
	}
}

// WithNearCache attaches the over-limit near-cache the engine consults
// before every store round trip. Defaults to nil, in which case the
// engine always consults the store directly.
func WithNearCache(nc *nearcache.Cache) Option {
	return func(c *engineConfig) {
		c.nearCache = nc
	}
}

// WithCacheKeyPrefix sets a prefix prepended to every generated cache
// key, letting multiple services share one counter store without key
// collisions.
func WithCacheKeyPrefix(prefix string) Option {
	return func(c *engineConfig) {
		c.cacheKeyPrefix = prefix
	}
}

// WithNearLimitRatio sets the fraction of a limit, in [0,1], at which a
// request is considered "near" the limit. It is accepted for
// configuration compatibility but currently inert: see engineConfig's
// nearLimitRatio field.
func WithNearLimitRatio(ratio float32) Option {
	return func(c *engineConfig) {
		c.nearLimitRatio = ratio
	}
}

// defaultNearCacheTTL is used when a limit's unit would otherwise
// produce a non-positive near-cache TTL; it never should, since every
// Unit has a positive Seconds(), but guards the near-cache against a
// degenerate configuration.
const defaultNearCacheTTL = time.Second
