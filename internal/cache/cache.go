// Package cache implements the two-layer read cache: a sharded in-process
// LRU in front of a shared backend, with TTLs, tag invalidation and
// single-flight loading. Backend faults never surface to callers; the
// cache degrades to the in-process layer and reports a miss.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/breaker"
)

// Layer is the shared (L2) cache backend.
type Layer interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Loader computes a value on cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// Config tunes the cache.
type Config struct {
	L1Capacity int
	L1TTL      time.Duration
	L2TTL      time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		L1Capacity: 4096,
		L1TTL:      30 * time.Second,
		L2TTL:      5 * time.Minute,
	}
}

// Stats are cumulative cache counters.
type Stats struct {
	L1Hits        uint64
	L2Hits        uint64
	Misses        uint64
	Loads         uint64
	Evictions     uint64
	Invalidations uint64
	L2Errors      uint64
}

// HitRatio returns hits over lookups, 0 with no traffic.
func (s Stats) HitRatio() float64 {
	lookups := s.L1Hits + s.L2Hits + s.Misses
	if lookups == 0 {
		return 0
	}
	return float64(s.L1Hits+s.L2Hits) / float64(lookups)
}

type flight struct {
	done  chan struct{}
	value []byte
	err   error
}

// Cache is the multi-layer cache. Safe for concurrent use.
type Cache struct {
	cfg     Config
	l1      *l1Cache
	l2      Layer            // may be nil
	l2Guard *breaker.Breaker // may be nil
	logger  log.Logger
	now     func() time.Time

	flightMu sync.Mutex
	flights  map[string]*flight

	tagMu sync.Mutex
	tags  map[string]map[string]struct{} // tag -> keys

	l1Hits, l2Hits, misses, loads, evictions, invalidations, l2Errors atomic.Uint64
}

// New creates a cache. l2 may be nil for an L1-only cache; guard may be nil
// to call the backend unguarded.
func New(cfg Config, l2 Layer, guard *breaker.Breaker, logger log.Logger) *Cache {
	if cfg.L1Capacity <= 0 {
		cfg.L1Capacity = 4096
	}
	c := &Cache{
		cfg:     cfg,
		l2:      l2,
		l2Guard: guard,
		logger:  logger.With("module", "cache"),
		now:     time.Now,
		flights: make(map[string]*flight),
		tags:    make(map[string]map[string]struct{}),
	}
	c.l1 = newL1(cfg.L1Capacity, func() time.Time { return c.now() })
	return c
}

// SetClock replaces the cache's time source, for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Key joins namespace parts into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Get returns the cached value for key, trying L1 then L2, and otherwise
// runs loader under single-flight: concurrent callers for the same missing
// key share one loader invocation and its result.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, tags []string, loader Loader) ([]byte, error) {
	if v, ok := c.l1.get(key); ok {
		c.l1Hits.Add(1)
		return v, nil
	}

	if v, ok := c.l2Get(ctx, key); ok {
		c.l2Hits.Add(1)
		// Promote with the shorter in-process TTL.
		c.l1.set(key, v, c.l1TTL(ttl))
		c.trackTags(key, tags)
		return v, nil
	}
	c.misses.Add(1)
	if loader == nil {
		return nil, nil
	}

	// Single-flight: first caller loads, the rest wait on its result.
	c.flightMu.Lock()
	if f, ok := c.flights[key]; ok {
		c.flightMu.Unlock()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.flightMu.Unlock()

	c.loads.Add(1)
	f.value, f.err = loader(ctx)
	if f.err == nil {
		c.store(ctx, key, f.value, ttl, tags)
	}

	c.flightMu.Lock()
	delete(c.flights, key)
	c.flightMu.Unlock()
	close(f.done)
	return f.value, f.err
}

// Set writes a value through both layers and indexes its tags.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) {
	c.store(ctx, key, value, ttl, tags)
}

func (c *Cache) store(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) {
	if n := c.l1.set(key, value, c.l1TTL(ttl)); n > 0 {
		c.evictions.Add(uint64(n))
	}
	c.trackTags(key, tags)
	if c.l2 == nil {
		return
	}
	l2TTL := ttl
	if l2TTL <= 0 || l2TTL > c.cfg.L2TTL {
		l2TTL = c.cfg.L2TTL
	}
	c.l2Do(ctx, func(ctx context.Context) error {
		return c.l2.Set(ctx, key, value, l2TTL)
	})
}

func (c *Cache) l1TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.cfg.L1TTL {
		return c.cfg.L1TTL
	}
	return ttl
}

// l2Get reads the backend; every failure mode is a miss.
func (c *Cache) l2Get(ctx context.Context, key string) ([]byte, bool) {
	if c.l2 == nil {
		return nil, false
	}
	var (
		value []byte
		ok    bool
	)
	err := c.l2Do(ctx, func(ctx context.Context) error {
		var err error
		value, ok, err = c.l2.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, false
	}
	return value, ok
}

// l2Do routes a backend call through the circuit breaker when one is
// configured. Errors are counted and swallowed by the callers.
func (c *Cache) l2Do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	if c.l2Guard != nil {
		err = c.l2Guard.Execute(ctx, fn)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		c.l2Errors.Add(1)
		c.logger.Debug("cache backend degraded", "err", err)
	}
	return err
}

func (c *Cache) trackTags(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	c.tagMu.Lock()
	defer c.tagMu.Unlock()
	for _, tag := range tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[key] = struct{}{}
	}
}

// Invalidate removes every key carrying the tag from both layers.
func (c *Cache) Invalidate(ctx context.Context, tag string) int {
	c.tagMu.Lock()
	set := c.tags[tag]
	delete(c.tags, tag)
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	c.tagMu.Unlock()

	for _, k := range keys {
		c.l1.del(k)
	}
	if c.l2 != nil && len(keys) > 0 {
		c.l2Do(ctx, func(ctx context.Context) error {
			return c.l2.Del(ctx, keys...)
		})
	}
	c.invalidations.Add(uint64(len(keys)))
	return len(keys)
}

// Delete removes a single key from both layers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.l1.del(key)
	if c.l2 != nil {
		c.l2Do(ctx, func(ctx context.Context) error {
			return c.l2.Del(ctx, key)
		})
	}
}

// Stats returns cumulative counters.
func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits:        c.l1Hits.Load(),
		L2Hits:        c.l2Hits.Load(),
		Misses:        c.misses.Load(),
		Loads:         c.loads.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		L2Errors:      c.l2Errors.Load(),
	}
}
