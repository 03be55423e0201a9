// Package enginecache implements the bounded, frequency-decaying cache the
// incremental controller uses for hot tree-node lookups.
package enginecache

import (
	"sort"
	"sync"

	"github.com/perf-analysis/pkg/errors"
	"github.com/perf-analysis/pkg/utils"
)

type entry[V any] struct {
	value V
	count int64
}

// Cache is a bounded cache that evicts by access-frequency rather than
// recency. When a miss would exceed capacity, it keeps the entries whose
// cumulative access count covers survive_size and discards the rest,
// resetting every survivor's counter to zero.
type Cache[K comparable, V any] struct {
	mu sync.Mutex

	capacity    int
	surviveSize int
	items       map[K]*entry[V]
	logger      utils.Logger
}

// New creates a Cache. It is an internal error for capacity to be smaller
// than 4 or for surviveSize to be >= capacity, mirroring the construction
// guard of the engine this cache is modeled on.
func New[K comparable, V any](capacity, surviveSize int, logger utils.Logger) (*Cache[K, V], error) {
	if capacity < 4 {
		return nil, errors.Newf(errors.CodeInternalError, "cache capacity must be >= 4, got %d", capacity)
	}
	if surviveSize >= capacity {
		return nil, errors.Newf(errors.CodeInternalError, "cache survive_size (%d) must be < capacity (%d)", surviveSize, capacity)
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &Cache[K, V]{
		capacity:    capacity,
		surviveSize: surviveSize,
		items:       make(map[K]*entry[V]),
		logger:      logger,
	}, nil
}

// Get returns key's cached value, invoking loader on a miss. A freshly
// loaded value is inserted with an access count of 1; if the cache was
// already at capacity, a rebalance runs first.
func (c *Cache[K, V]) Get(key K, loader func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.count++
		return e.value, nil
	}

	value, err := loader()
	if err != nil {
		var zero V
		return zero, err
	}

	if len(c.items) >= c.capacity {
		c.rebalanceLocked()
	}
	c.items[key] = &entry[V]{value: value, count: 1}
	return value, nil
}

// rebalanceLocked sorts entries by access count descending, keeps the
// prefix whose cumulative count does not exceed survive_size (and that
// holds at most survive_size entries, so the cache stays within capacity),
// and resets every survivor's count to zero. Callers must hold c.mu.
func (c *Cache[K, V]) rebalanceLocked() {
	keys := make([]K, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return c.items[keys[i]].count > c.items[keys[j]].count })

	var acc int64
	survivors := 0
	for _, k := range keys {
		cnt := c.items[k].count
		if acc+cnt > int64(c.surviveSize) || survivors >= c.surviveSize {
			break
		}
		acc += cnt
		survivors++
	}

	for i, k := range keys {
		if i < survivors {
			c.items[k].count = 0
			continue
		}
		delete(c.items, k)
	}

	c.logger.Warn("cache refreshed: %d entries survived rebalance", len(c.items))
}

// Erase removes key from the cache, if present.
func (c *Cache[K, V]) Erase(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear empties the cache entirely.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*entry[V])
}

// Peek returns key's cached value without invoking a loader or touching its
// access count.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// MutateEach applies fn to every cached (key, value) pair under the cache's
// lock, replacing the stored value with fn's return value. Used for
// write-through mirroring: when a leaf_info row's counters change in
// storage, the controller mirrors the same change into every cached
// treenode copy that embeds it, rather than invalidating the entry.
func (c *Cache[K, V]) MutateEach(fn func(key K, value V) V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.items {
		e.value = fn(k, e.value)
	}
}
