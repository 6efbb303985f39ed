package cache

import (
	"regexp"
	"sync"
	"time"
)

// invalidation is one InvalidatePattern or Clear call. A nil re matches every
// key.
type invalidation struct {
	epoch uint64
	re    *regexp.Regexp
}

func (inv invalidation) matches(key string) bool {
	return inv.re == nil || inv.re.MatchString(key)
}

// Guard pins the invalidation epoch at the moment a computation starts. Set
// through a guard stores nothing for a key that an invalidation has matched
// since then. Callers must Release it.
type Guard struct {
	c      *Cache
	epoch  uint64
	flight string
	once   sync.Once
}

// Guard starts a guarded computation.
func (c *Cache) Guard() *Guard {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[c.epoch]++
	return &Guard{c: c, epoch: c.epoch}
}

// flight is Guard for a GetOrSet producer; the key is tracked so an
// invalidation can detach the flight from later callers.
func (c *Cache) flight(key string) *Guard {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[c.epoch]++
	c.flights[key]++
	return &Guard{c: c, epoch: c.epoch, flight: key}
}

// Set stores value under key unless the key was invalidated after the guard
// was taken. It reports whether the value was stored.
func (g *Guard) Set(key string, value any, ttl time.Duration) bool {
	c := g.c
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.staleLocked(key) {
		c.logger.Debugf("dropping stale write for %s", key)
		return false
	}
	c.entries[key] = entry{data: value, timestamp: c.now(), ttl: ttl}
	return true
}

// Stale reports whether key was invalidated after the guard was taken.
func (g *Guard) Stale(key string) bool {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	return g.staleLocked(key)
}

func (g *Guard) staleLocked(key string) bool {
	for i := len(g.c.log) - 1; i >= 0; i-- {
		inv := g.c.log[i]
		if inv.epoch <= g.epoch {
			break
		}
		if inv.matches(key) {
			return true
		}
	}
	return false
}

// Release ends the computation. Safe to call repeatedly.
func (g *Guard) Release() {
	g.once.Do(func() {
		c := g.c
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pending[g.epoch]--; c.pending[g.epoch] <= 0 {
			delete(c.pending, g.epoch)
			c.trimLocked()
		}
		if g.flight != "" {
			if c.flights[g.flight]--; c.flights[g.flight] <= 0 {
				delete(c.flights, g.flight)
			}
		}
	})
}

// recordLocked advances the epoch, logs the invalidation for outstanding
// guards and detaches matching in-flight producers. c.mu must be held.
func (c *Cache) recordLocked(re *regexp.Regexp) {
	c.epoch++
	if len(c.pending) == 0 {
		return
	}
	inv := invalidation{epoch: c.epoch, re: re}
	c.log = append(c.log, inv)
	for key := range c.flights {
		if inv.matches(key) {
			c.group.Forget(key)
		}
	}
}

// trimLocked drops log entries no outstanding guard can see.
func (c *Cache) trimLocked() {
	if len(c.pending) == 0 {
		c.log = nil
		return
	}
	oldest := c.epoch
	for epoch := range c.pending {
		oldest = min(oldest, epoch)
	}
	i := 0
	for i < len(c.log) && c.log[i].epoch <= oldest {
		i++
	}
	c.log = c.log[i:]
}
