// Package cache 带 TTL 的泛型内存缓存。
package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

type InMemory[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]item[V]
	defaultTTL time.Duration
}

func NewInMemory[K comparable, V any](defaultTTL time.Duration) *InMemory[K, V] {
	return &InMemory[K, V]{
		items:      make(map[K]item[V]),
		defaultTTL: defaultTTL,
	}
}

func (c *InMemory[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(it.expiresAt) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *InMemory[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 顺带清理已过期的条目，避免无界增长
	now := time.Now()
	for k, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, k)
		}
	}
	c.items[key] = item[V]{value: value, expiresAt: now.Add(c.defaultTTL)}
}

func (c *InMemory[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
