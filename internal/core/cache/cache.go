// Package cache is a TTL cache with per-key stampede protection and
// stale-on-error fallback. Expiry is evaluated lazily on read; entries are
// only removed by Clear.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/core"
)

// DefaultTTL is the freshness window used when none is configured.
const DefaultTTL = 5 * time.Minute

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache maps fingerprints to their last successful value.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]entry[V]
	sections map[string]chan struct{}

	ttl     time.Duration
	clock   clockwork.Clock
	logger  *logging.Logger
	onStore func(key string, value V, storedAt time.Time)

	hits        atomic.Int64
	misses      atomic.Int64
	staleServed atomic.Int64
	fillErrors  atomic.Int64
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

func WithClock[V any](c clockwork.Clock) Option[V] {
	return func(cc *Cache[V]) {
		if c != nil {
			cc.clock = c
		}
	}
}

func WithLogger[V any](l *logging.Logger) Option[V] {
	return func(cc *Cache[V]) { cc.logger = l }
}

// WithOnStore registers a hook called after every Set, outside any lock.
func WithOnStore[V any](fn func(key string, value V, storedAt time.Time)) Option[V] {
	return func(cc *Cache[V]) { cc.onStore = fn }
}

// New creates a cache. A non-positive ttl falls back to DefaultTTL.
func New[V any](ttl time.Duration, opts ...Option[V]) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache[V]{
		entries:  make(map[string]entry[V]),
		sections: make(map[string]chan struct{}),
		ttl:      ttl,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the stored value and whether it is still fresh. A stale value
// is returned with fresh=false so callers may use it as a fallback.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, fresh, _ := c.lookup(key)
	return v, fresh
}

// Lookup is Get plus whether any value exists for key.
func (c *Cache[V]) Lookup(key string) (value V, fresh bool, ok bool) {
	return c.lookup(key)
}

func (c *Cache[V]) lookup(key string) (V, bool, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		var zero V
		return zero, false, false
	}
	return e.value, c.clock.Since(e.storedAt) < c.ttl, true
}

// Set stores value with the current time, overwriting any previous value.
func (c *Cache[V]) Set(key string, value V) {
	now := c.clock.Now()
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, storedAt: now}
	c.mu.Unlock()

	if c.onStore != nil {
		c.onStore(key, value, now)
	}
}

// Restore seeds an entry with its original timestamp. It never replaces a
// newer entry and does not call the store hook.
func (c *Cache[V]) Restore(key string, value V, storedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok && !existing.storedAt.Before(storedAt) {
		return false
	}
	c.entries[key] = entry[V]{value: value, storedAt: storedAt}
	return true
}

// Guard returns a fresh cached value, or computes one while holding the
// section for key so concurrent misses collapse into a single compute. If
// compute fails and a stale value exists, the stale value is returned with
// core.SourceStale instead of the error.
func (c *Cache[V]) Guard(ctx context.Context, key string, compute func(ctx context.Context) (V, error)) (V, core.Source, error) {
	if v, fresh, _ := c.lookup(key); fresh {
		c.hits.Add(1)
		return v, core.SourceCache, nil
	}

	section := c.section(key)
	select {
	case section <- struct{}{}:
	case <-ctx.Done():
		var zero V
		return zero, "", ctx.Err()
	}
	defer func() { <-section }()

	// Another caller may have filled the entry while we waited.
	if v, fresh, _ := c.lookup(key); fresh {
		c.hits.Add(1)
		return v, core.SourceCache, nil
	}

	c.misses.Add(1)
	v, err := compute(ctx)
	if err == nil {
		c.Set(key, v)
		return v, core.SourceUpstream, nil
	}

	c.fillErrors.Add(1)
	if stale, _, ok := c.lookup(key); ok {
		c.staleServed.Add(1)
		if c.logger != nil {
			c.logger.Warn("Serving stale cache entry after refresh failure",
				zap.String("key", key),
				zap.Error(err))
		}
		return stale, core.SourceStale, nil
	}

	var zero V
	return zero, "", err
}

// section returns the exclusive section for key, creating it on first use.
func (c *Cache[V]) section(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sections[key]
	if !ok {
		s = make(chan struct{}, 1)
		c.sections[key] = s
	}
	return s
}

// Clear discards all entries and sections and zeroes the counters.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.sections = make(map[string]chan struct{})
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	c.staleServed.Store(0)
	c.fillErrors.Store(0)
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Total       int     `json:"total" yaml:"total"`
	Fresh       int     `json:"fresh" yaml:"fresh"`
	Expired     int     `json:"expired" yaml:"expired"`
	TTLSeconds  float64 `json:"ttl_seconds" yaml:"ttl_seconds"`
	Hits        int64   `json:"hits" yaml:"hits"`
	Misses      int64   `json:"misses" yaml:"misses"`
	StaleServed int64   `json:"stale_served" yaml:"stale_served"`
	FillErrors  int64   `json:"fill_errors" yaml:"fill_errors"`
}

// Stats counts entries by freshness and reports the running counters.
func (c *Cache[V]) Stats() Stats {
	now := c.clock.Now()
	stats := Stats{
		TTLSeconds:  c.ttl.Seconds(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleServed: c.staleServed.Load(),
		FillErrors:  c.fillErrors.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stats.Total = len(c.entries)
	for _, e := range c.entries {
		if now.Sub(e.storedAt) < c.ttl {
			stats.Fresh++
		} else {
			stats.Expired++
		}
	}
	return stats
}
