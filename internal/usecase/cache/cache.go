// Package cache provides the tenant-scoped response cache: a sharded TTL map
// with LRU eviction, prefix invalidation, and single-flight computation.
package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

// entry is one cached value in a shard's LRU list.
type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
	size      int64
}

// shard holds a slice of the keyspace. All mutation happens under mu, so
// Invalidate is atomic with respect to concurrent readers of the same shard.
type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // most-recently-used at back
	bytes int64
}

// Stats reports cache occupancy and effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Bytes   int64   `json:"bytes"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a sharded TTL+LRU cache. Keys must start with "<tenant_id>:" so
// entries are attributable and prefix invalidation maps to tenant scoping.
type Cache struct {
	shards     []*shard
	maxEntries int   // per shard
	maxBytes   int64 // per shard
	totalMax   int
	defaultTTL time.Duration
	clock      domain.Clock
	metrics    domain.MetricSink

	hits   atomic.Uint64
	misses atomic.Uint64
	group  singleflight.Group
}

// New builds a cache from config. Bounds are split evenly across shards.
func New(cfg config.CacheConfig, clock domain.Clock, metrics domain.MetricSink) *Cache {
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = 16
	}
	perShardEntries := cfg.MaxEntries / shardCount
	if perShardEntries < 1 {
		perShardEntries = 1
	}
	perShardBytes := cfg.MaxBytes / int64(shardCount)
	if perShardBytes < 1 {
		perShardBytes = 1
	}
	if metrics == nil {
		metrics = domain.NopMetricSink{}
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{
			items: make(map[string]*list.Element),
			order: list.New(),
		}
	}
	return &Cache{
		shards:     shards,
		maxEntries: perShardEntries,
		maxBytes:   perShardBytes,
		totalMax:   perShardEntries * shardCount,
		defaultTTL: cfg.DefaultTTL,
		clock:      clock,
		metrics:    metrics,
	}
}

// shardFor hashes the key to its shard.
func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// tenantOf extracts the mandatory tenant segment from a key.
func tenantOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}

// validKey requires a non-empty tenant segment followed by a non-empty rest.
func validKey(key string) bool {
	i := strings.IndexByte(key, ':')
	return i > 0 && i < len(key)-1
}

// Get returns the cached value for key, lazily expiring stale entries.
func (c *Cache) Get(key string) ([]byte, bool) {
	v, ok := c.lookup(key)
	if ok {
		c.recordHit(key)
		return v, true
	}
	c.recordMiss(key)
	return nil, false
}

// lookup reads the shard without touching the hit/miss counters. Callers
// decide how the access counts.
func (c *Cache) lookup(key string) ([]byte, bool) {
	now := c.clock.Now()
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if now.After(e.expiresAt) {
		s.remove(elem)
		return nil, false
	}
	s.order.MoveToBack(elem)
	return e.value, true
}

func (c *Cache) recordHit(key string) {
	c.hits.Add(1)
	c.metrics.Record(domain.MetricSample{
		Timestamp: c.clock.Now(),
		TenantID:  tenantOf(key),
		Name:      domain.MetricCacheHit,
		Value:     1,
	})
}

func (c *Cache) recordMiss(key string) {
	c.misses.Add(1)
	c.metrics.Record(domain.MetricSample{
		Timestamp: c.clock.Now(),
		TenantID:  tenantOf(key),
		Name:      domain.MetricCacheMiss,
		Value:     1,
	})
}

// Put stores value under key for ttl (the configured default when ttl <= 0).
// Keys must carry a tenant prefix.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) error {
	const op = "cache.put"
	if !validKey(key) {
		return domain.NewValidationError(op, "cache key must be <tenant_id>:<rest>", "key")
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.clock.Now()
	size := int64(len(key) + len(value))
	if size > c.maxBytes {
		return domain.NewValidationError(op, "value exceeds cache byte budget", "value")
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	e := &entry{key: key, value: stored, expiresAt: now.Add(ttl), size: size}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		old := elem.Value.(*entry)
		s.bytes += e.size - old.size
		elem.Value = e
		s.order.MoveToBack(elem)
	} else {
		s.bytes += e.size
		s.items[key] = s.order.PushBack(e)
	}
	s.evict(now, c.maxEntries, c.maxBytes)
	return nil
}

// GetOrCompute returns the cached value for key, or runs compute exactly once
// across concurrent callers and caches its result. Only the caller that
// actually computes counts as a miss; callers that ride a shared flight or an
// already-cached value count as hits.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.lookup(key); ok {
		c.recordHit(key)
		return v, nil
	}
	computed := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		computed = true
		out, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if putErr := c.Put(key, out, ttl); putErr != nil {
			return nil, putErr
		}
		return out, nil
	})
	if computed {
		c.recordMiss(key)
	} else if err == nil {
		c.recordHit(key)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Invalidate removes every entry whose key starts with prefix and reports how
// many were dropped. Each shard is cleared atomically under its lock.
func (c *Cache) Invalidate(prefix string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, elem := range s.items {
			if strings.HasPrefix(key, prefix) {
				s.remove(elem)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Sweep drops expired entries across all shards. Wired to the scheduler's
// cache_sweep job.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for elem := s.order.Front(); elem != nil; {
			next := elem.Next()
			if now.After(elem.Value.(*entry).expiresAt) {
				s.remove(elem)
				removed++
			}
			elem = next
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, including expired entries not yet
// removed.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Stats reports occupancy plus hit/miss counters since start.
func (c *Cache) Stats() Stats {
	st := Stats{MaxSize: c.totalMax}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Size += len(s.items)
		st.Bytes += s.bytes
		s.mu.Unlock()
	}
	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// remove unlinks an element. Caller holds s.mu.
func (s *shard) remove(elem *list.Element) {
	e := elem.Value.(*entry)
	s.order.Remove(elem)
	delete(s.items, e.key)
	s.bytes -= e.size
}

// evict trims the shard to its bounds: expired entries first, then least
// recently used. Caller holds s.mu.
func (s *shard) evict(now time.Time, maxEntries int, maxBytes int64) {
	over := func() bool {
		return len(s.items) > maxEntries || s.bytes > maxBytes
	}
	if !over() {
		return
	}
	for elem := s.order.Front(); elem != nil && over(); {
		next := elem.Next()
		if now.After(elem.Value.(*entry).expiresAt) {
			s.remove(elem)
		}
		elem = next
	}
	for over() {
		oldest := s.order.Front()
		if oldest == nil {
			return
		}
		s.remove(oldest)
	}
}
