// Package cache implements the spec's single-layer TTL+LRU cache: capacity
// bound, optional LRU eviction, environment-scoped keys, and a best-effort
// background sweep that never substitutes for expiry checks on the read
// path. Grounded on the teacher's token_storage.go (a single-entry TTL
// cache for the OAuth access token) generalized to many keys.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
)

// Entry is a snapshot of one cached value, returned by Snapshot for
// diagnostics; internal bookkeeping lives in entry below.
type Entry[V any] struct {
	Value          V
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	HitCount       int64
}

type entry[V any] struct {
	key            string
	value          V
	createdAt      time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
	hitCount       int64
	elem           *list.Element // in lru, nil if LRU disabled
}

// Stats mirrors spec.md §4.2's stat set.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	Size      int
	Capacity  int
}

// HitRate returns hits/(hits+misses), 0 when both are 0.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Config configures a Cache.
type Config struct {
	Capacity    int           // default 1000
	DefaultTTL  time.Duration // default TTL used when Set's ttl arg is 0
	LRU         bool          // evict least-recently-accessed on overflow
	Environment string        // optional key prefix, e.g. "testnet"
	Clock       clock.Clock
	SweepEvery  time.Duration // 0 selects the default 60s; a negative value disables the background sweep
}

// Cache is a generic, environment-scoped, TTL+LRU in-memory cache. Safe for
// concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	lru      *list.List // front = most recently used
	cfg      Config
	clk      clock.Clock
	hits     int64
	misses   int64
	sets     int64
	deletes  int64
	evicts   int64
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Cache with defaults applied for zero-valued Config
// fields.
func New[V any](cfg Config) *Cache[V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.SweepEvery == 0 {
		cfg.SweepEvery = 60 * time.Second
	}
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		lru:     list.New(),
		cfg:     cfg,
		clk:     cfg.Clock,
		stopCh:  make(chan struct{}),
	}
	if cfg.SweepEvery > 0 {
		go c.sweepLoop()
	}
	return c
}

// GenerateKey joins parts with ":" and applies the environment prefix, per
// spec.md §4.2 and the "Environment prefix for cache keys" contract in §6.
func (c *Cache[V]) GenerateKey(parts ...string) string {
	key := strings.Join(parts, ":")
	if c.cfg.Environment != "" {
		return c.cfg.Environment + ":" + key
	}
	return key
}

// Get returns the cached value and true if present and unexpired. Expired
// entries are deleted and counted as a miss, matching spec.md's "get/has
// must re-check expiry" invariant even though a background sweep also
// runs.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	if c.clk.Now().After(e.expiresAt) {
		c.removeLocked(key, e)
		c.misses++
		var zero V
		return zero, false
	}

	e.hitCount++
	e.lastAccessedAt = c.clk.Now()
	if c.cfg.LRU && e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	c.hits++
	return e.value, true
}

// Has reports presence without affecting hit/miss stats or recency, but
// still expiry-aware (an expired key reports false and is removed).
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.clk.Now().After(e.expiresAt) {
		c.removeLocked(key, e)
		return false
	}
	return true
}

// Set stores value under key with the given ttl (or the cache's default TTL
// if ttl <= 0). If at capacity and key is new, one entry is evicted first —
// LRU if enabled, else the oldest-inserted entry found by scanning
// createdAt, which is acceptable at the capacities this cache targets.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.clk.Now()

	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.createdAt = now
		existing.expiresAt = now.Add(ttl)
		existing.lastAccessedAt = now
		if c.cfg.LRU && existing.elem != nil {
			c.lru.MoveToFront(existing.elem)
		}
		c.sets++
		return
	}

	if len(c.entries) >= c.cfg.Capacity {
		c.evictOneLocked()
	}

	e := &entry[V]{
		key:            key,
		value:          value,
		createdAt:      now,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
	}
	if c.cfg.LRU {
		e.elem = c.lru.PushFront(key)
	}
	c.entries[key] = e
	c.sets++
}

// Delete removes key, reporting whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, e)
	c.deletes++
	return true
}

// Clear empties the cache without affecting cumulative stats counters.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.lru.Init()
}

// Snapshot returns a point-in-time copy of an entry for diagnostics.
func (c *Cache[V]) Snapshot(key string) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero Entry[V]
		return zero, false
	}
	return Entry[V]{
		Value:          e.value,
		CreatedAt:      e.createdAt,
		ExpiresAt:      e.expiresAt,
		LastAccessedAt: e.lastAccessedAt,
		HitCount:       e.hitCount,
	}, true
}

// Stats returns current cumulative and point-in-time statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Deletes:   c.deletes,
		Evictions: c.evicts,
		Size:      len(c.entries),
		Capacity:  c.cfg.Capacity,
	}
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	delete(c.entries, key)
	if e.elem != nil {
		c.lru.Remove(e.elem)
	}
}

// evictOneLocked must be called with mu held and len(entries) > 0 is not
// guaranteed; it is a no-op if the cache is empty (shouldn't happen given
// the capacity check at the call site, but kept defensive).
func (c *Cache[V]) evictOneLocked() {
	if c.cfg.LRU && c.lru.Len() > 0 {
		back := c.lru.Back()
		key := back.Value.(string)
		if e, ok := c.entries[key]; ok {
			c.removeLocked(key, e)
			c.evicts++
		}
		return
	}

	// LRU disabled: evict the oldest-inserted entry found by scan.
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.createdAt.Before(oldest) {
			oldestKey, oldest, first = k, e.createdAt, false
		}
	}
	if !first {
		if e, ok := c.entries[oldestKey]; ok {
			c.removeLocked(oldestKey, e)
			c.evicts++
		}
	}
}

// sweepLoop is a best-effort background pass removing expired entries; Get
// and Has remain correct without it since they re-check expiry themselves.
func (c *Cache[V]) sweepLoop() {
	t := c.clk.NewTicker(c.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.Chan():
			c.sweepOnce()
		}
	}
}

func (c *Cache[V]) sweepOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(k, e)
		}
	}
}
