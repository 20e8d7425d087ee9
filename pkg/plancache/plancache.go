package plancache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/metrics"
)

// DefaultSize is the default plan capacity.
const DefaultSize = 512

// Cache maps structural query fingerprints to chosen plans with LRU
// eviction. Fingerprints carry no literal values, so one entry serves every
// instantiation of a query shape. The whole cache is dropped on catalog
// version bumps and index build-state changes; partial invalidation is a
// staleness hazard and deliberately not offered.
type Cache[V any] struct {
	lru *lru.Cache[string, V]

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New builds a cache with the given capacity.
func New[V any](size int) (*Cache[V], error) {
	if size <= 0 {
		size = DefaultSize
	}
	c := &Cache[V]{}
	inner, err := lru.NewWithEvict[string, V](size, func(string, V) {
		c.evictions.Add(1)
		metrics.PlanCacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Get looks a plan up by fingerprint.
func (c *Cache[V]) Get(fingerprint string) (V, bool) {
	v, ok := c.lru.Get(fingerprint)
	if ok {
		c.hits.Add(1)
		metrics.PlanCacheHits.Inc()
	} else {
		c.misses.Add(1)
		metrics.PlanCacheMisses.Inc()
	}
	return v, ok
}

// Put stores a plan.
func (c *Cache[V]) Put(fingerprint string, plan V) {
	c.lru.Add(fingerprint, plan)
}

// Invalidate drops every cached plan.
func (c *Cache[V]) Invalidate(reason string) {
	c.lru.Purge()
	logger := log.WithComponent("plancache")
	logger.Debug().Str("reason", reason).Msg("plan cache invalidated")
}

// Len reports resident entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns cumulative hit/miss/eviction counters.
func (c *Cache[V]) Stats() (hits, misses, evictions uint64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}
