package cache

import (
	"sync"
)

// Cache defines a generic keyed store.
type Cache[V any] interface {
	// Get retrieves a value from the cache.
	Get(key string) (V, bool)
	// Put stores a value in the cache.
	Put(key string, v V)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache.
type MapCache[V any] struct {
	data map[string]V
	mu   sync.RWMutex
}

func NewMapCache[V any]() *MapCache[V] {
	return &MapCache[V]{
		data: make(map[string]V),
	}
}

func (c *MapCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

// GetOrCreate returns the cached value for key, calling create under the
// write lock when it is missing. A failed create leaves the cache unchanged.
func (c *MapCache[V]) GetOrCreate(key string, create func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		return v, err
	}
	c.data[key] = v
	return v, nil
}

func (c *MapCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
