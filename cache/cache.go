// Package cache is a minimal concurrent map keyed by video ID, used for the
// coordinator's in-flight job tracking.
package cache

import (
	"sync"
)

type Cache[T any] struct {
	entries map[string]T
	mutex   sync.RWMutex
}

func New[T any]() *Cache[T] {
	return &Cache[T]{
		entries: make(map[string]T),
	}
}

func (c *Cache[T]) Get(videoID string) T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if v, ok := c.entries[videoID]; ok {
		return v
	}
	var zero T
	return zero
}

func (c *Cache[T]) Store(videoID string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[videoID] = value
}

func (c *Cache[T]) Remove(videoID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, videoID)
}

func (c *Cache[T]) Keys() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache[T]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}
