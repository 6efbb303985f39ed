// Package cache is an in-process TTL cache with regex invalidation, a
// background sweep and single-flight population.
package cache

import (
	"context"
	"reflect"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Config controls default expiry and the sweep cadence.
type Config struct {
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// Producer computes a value on a miss.
type Producer func(ctx context.Context) (any, error)

type entry struct {
	data      any
	timestamp time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.timestamp) > e.ttl
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries       int    `json:"entries"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
	Invalidations uint64 `json:"invalidations"`
}

// Cache is safe for concurrent use. Readers always get a copy: values with a
// Clone method returning their own type are cloned on the way out.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        logrus.FieldLogger
	group         singleflight.Group

	// epoch advances on every invalidation. pending counts outstanding
	// guards by the epoch they pinned; log keeps the invalidations newer
	// than the oldest of them.
	epoch   uint64
	pending map[uint64]int
	log     []invalidation
	flights map[string]int

	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a cache. Call Start to run the background sweep.
func New(cfg Config, logger logrus.FieldLogger) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Cache{
		entries:       make(map[string]entry),
		pending:       make(map[uint64]int),
		flights:       make(map[string]int),
		defaultTTL:    cfg.DefaultTTL,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
		logger:        logger.WithField("component", "cache"),
	}
}

// Set stores value under key, replacing any existing entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	c.entries[key] = entry{data: value, timestamp: c.now(), ttl: ttl}
	c.mu.Unlock()
}

// Get returns a copy of the live value for key.
func (c *Cache) Get(key string) (any, bool) {
	v, ok := c.load(key)
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// load returns the stored value without copying, evicting it if expired.
func (c *Cache) load(key string) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(c.now()) {
		delete(c.entries, key)
		c.evictions.Add(1)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.data, true
}

// GetOrSet returns the cached value or runs producer once for all concurrent
// callers missing the same key. A producer error is returned and nothing is
// stored. The producer runs detached from any single caller's cancellation;
// a caller whose ctx ends stops waiting.
//
// An invalidation matching key while the producer runs drops its result: the
// callers already waiting get it, nothing is stored, and later callers start
// a new flight.
func (c *Cache) GetOrSet(ctx context.Context, key string, producer Producer, ttl time.Duration) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		g := c.flight(key)
		defer g.Release()

		v, err := producer(flightCtx)
		if err != nil {
			return nil, err
		}
		g.Set(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneValue(res.Val), nil
	}
}

// InvalidatePattern removes every key matching the regular expression and
// returns how many were removed. Outstanding guards and in-flight producers
// will not store a matching key afterwards. An invalid pattern removes
// nothing.
func (c *Cache) InvalidatePattern(pattern string) int {
	re, err := regexp.Compile(pattern)
	if err != nil {
		c.logger.Warnf("invalid invalidation pattern %q: %v", pattern, err)
		return 0
	}

	removed := 0
	c.mu.Lock()
	c.recordLocked(re)
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.invalidations.Add(uint64(removed))
		c.logger.Debugf("invalidated %d keys matching %s", removed, pattern)
	}
	return removed
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every entry. Outstanding guards store nothing afterwards.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.recordLocked(nil)
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:       c.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Start launches the background sweep. It is a no-op while a sweep is running.
func (c *Cache) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.sweepLoop(ctx, c.done)
}

// Shutdown stops the sweep and waits for it to exit. Safe to call repeatedly.
func (c *Cache) Shutdown() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil
}

func (c *Cache) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.logger.Debugf("sweep evicted %d expired entries", n)
			}
		}
	}
}

func (c *Cache) sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	c.evictions.Add(uint64(removed))
	return removed
}

// cloneValue calls v.Clone() when v has a Clone method returning its own type.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	m := rv.MethodByName("Clone")
	if !m.IsValid() {
		return v
	}
	mt := m.Type()
	if mt.NumIn() != 0 || mt.NumOut() != 1 || mt.Out(0) != rv.Type() {
		return v
	}
	return m.Call(nil)[0].Interface()
}
