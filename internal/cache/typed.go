package cache

import (
	"context"
	"time"
)

// Lookup returns the value under key as T. A value of another type is
// treated as corrupt: it is evicted and reported as a miss.
func Lookup[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.load(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		c.logger.Warnf("evicting %s: stored %T, want %T", key, v, zero)
		c.Delete(key)
		return zero, false
	}
	return cloneTyped(typed), true
}

// Fetch is the typed form of GetOrSet.
func Fetch[T any](ctx context.Context, c *Cache, key string, producer func(ctx context.Context) (T, error), ttl time.Duration) (T, error) {
	var zero T
	if v, ok := Lookup[T](c, key); ok {
		return v, nil
	}

	v, err := c.GetOrSet(ctx, key, func(ctx context.Context) (any, error) {
		return producer(ctx)
	}, ttl)
	if err != nil {
		return zero, err
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}

	// Another writer stored a different type under key between the lookup
	// and the flight.
	c.Delete(key)
	g := c.Guard()
	defer g.Release()
	typed, err := producer(ctx)
	if err != nil {
		return zero, err
	}
	g.Set(key, typed, ttl)
	return cloneTyped(typed), nil
}

func cloneTyped[T any](v T) T {
	if cl, ok := any(v).(interface{ Clone() T }); ok {
		return cl.Clone()
	}
	return v
}
