package clientcache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache holds values built from a configuration fingerprint. Concurrent
// misses for the same key share a single factory call.
type Cache[T any] struct {
	cache   sync.Map
	sfGroup singleflight.Group
}

// NewCache creates a new type-safe client cache
func NewCache[T any]() *Cache[T] {
	return &Cache[T]{}
}

// GetOrCreate returns the value cached under key, building it with factory on a miss.
func (c *Cache[T]) GetOrCreate(key string, factory func() (T, error)) (T, error) {
	if cached, ok := c.cache.Load(key); ok {
		return cached.(T), nil
	}

	v, err, _ := c.sfGroup.Do(key, func() (any, error) {
		if cached, ok := c.cache.Load(key); ok {
			return cached.(T), nil
		}

		client, err := factory()
		if err != nil {
			var zero T
			return zero, err
		}

		c.cache.Store(key, client)
		return client, nil
	})

	if err != nil {
		var zero T
		return zero, err
	}

	return v.(T), nil
}

// Retain drops every entry except key, passing each dropped value to evict.
func (c *Cache[T]) Retain(key string, evict func(T)) int {
	dropped := 0
	c.cache.Range(func(k, v any) bool {
		if k.(string) == key {
			return true
		}
		if _, loaded := c.cache.LoadAndDelete(k); loaded {
			dropped++
			if evict != nil {
				evict(v.(T))
			}
		}
		return true
	})
	return dropped
}

// Len returns the number of cached values.
func (c *Cache[T]) Len() int {
	n := 0
	c.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
