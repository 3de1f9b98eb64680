// calltip/cache.go
// ResultCache: a bounded, thread-safe LRU cache of extracted tips keyed by
// method signature, with background idle expiry and hit/miss statistics.
package calltip

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// cacheEntry is owned exclusively by ResultCache; callers only ever receive a
// copy of its content.
type cacheEntry struct {
	signature      MethodSignature
	content        TipContent
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    int64
	elem           *list.Element
}

// ResultCache caches extraction results on the per-trigger hot path. Get and
// Put are O(1); the access-order list front is most recently used. Hit/miss
// counters are atomics so Stats never contends with the mutating path.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[MethodSignature]*cacheEntry
	order    *list.List // front = most recently used

	hits   atomic.Int64
	misses atomic.Int64

	ttl           time.Duration
	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
	logger        *slog.Logger

	now func() time.Time // injectable clock for tests
}

// NewResultCache creates a cache bounded to capacity entries. Entries idle
// longer than ttl are removed by a background sweep every sweepInterval,
// independent of capacity pressure. Close stops the sweep goroutine.
func NewResultCache(capacity int, ttl, sweepInterval time.Duration, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = defaultCacheTTLSeconds * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepIntervalSeconds * time.Second
	}
	c := &ResultCache{
		capacity:      capacity,
		entries:       make(map[MethodSignature]*cacheEntry, capacity),
		order:         list.New(),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
		logger:        logger.With("component", "ResultCache"),
		now:           time.Now,
	}
	go c.sweepLoop()
	return c
}

// Get returns a copy of the cached content for signature, if present. A hit
// bumps the entry's access counter, last-accessed time and recency rank.
func (c *ResultCache) Get(signature MethodSignature) (TipContent, bool) {
	c.mu.Lock()
	entry, ok := c.entries[signature]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return TipContent{}, false
	}
	entry.accessCount++
	entry.lastAccessedAt = c.now()
	c.order.MoveToFront(entry.elem)
	content := entry.content
	c.mu.Unlock()

	c.hits.Add(1)
	return content, true
}

// Put inserts or replaces the content for signature. When at capacity and the
// key is new, the least-recently-used entry is evicted first; recency ties
// are broken by lowest access count, then by oldest creation time.
func (c *ResultCache) Put(signature MethodSignature, content TipContent) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[signature]; ok {
		entry.content = content
		entry.lastAccessedAt = now
		c.order.MoveToFront(entry.elem)
		return
	}

	for len(c.entries) >= c.capacity {
		c.evictLRULocked()
	}

	entry := &cacheEntry{
		signature:      signature,
		content:        content,
		createdAt:      now,
		lastAccessedAt: now,
	}
	entry.elem = c.order.PushFront(entry)
	c.entries[signature] = entry
}

// evictLRULocked removes one entry. The victim starts as the back of the
// recency list; among entries sharing that last-access time the one with the
// lowest access count wins, then the oldest creation time.
func (c *ResultCache) evictLRULocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	victim := back.Value.(*cacheEntry)

	for e := back.Prev(); e != nil; e = e.Prev() {
		cand := e.Value.(*cacheEntry)
		if !cand.lastAccessedAt.Equal(victim.lastAccessedAt) {
			break
		}
		if cand.accessCount < victim.accessCount ||
			(cand.accessCount == victim.accessCount && cand.createdAt.Before(victim.createdAt)) {
			victim = cand
		}
	}

	c.removeLocked(victim)
	c.logger.Debug("Evicted LRU entry", "signature", victim.signature, "access_count", victim.accessCount)
}

func (c *ResultCache) removeLocked(entry *cacheEntry) {
	c.order.Remove(entry.elem)
	delete(c.entries, entry.signature)
}

// InvalidateAll drops every entry. Statistics counters are preserved.
func (c *ResultCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[MethodSignature]*cacheEntry, c.capacity)
	c.order.Init()
	c.logger.Info("Result cache invalidated")
}

// SetCapacity changes the bound, evicting LRU entries if the current size
// exceeds the new capacity.
func (c *ResultCache) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = n
	for len(c.entries) > c.capacity {
		c.evictLRULocked()
	}
}

// ResetStats zeroes the hit/miss counters so rate-based signals measure the
// cache from a fresh baseline instead of refiring on accumulated history.
func (c *ResultCache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns a point-in-time snapshot of size and hit/miss counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{Size: size, Hits: hits, Misses: misses, HitRate: rate}
}

// Close stops the background sweep goroutine. Idempotent.
func (c *ResultCache) Close() {
	select {
	case <-c.stopSweep:
		return
	default:
		close(c.stopSweep)
	}
	<-c.sweepDone
}

func (c *ResultCache) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			removed := c.sweepExpired()
			if removed > 0 {
				c.logger.Debug("Swept expired cache entries", "removed", removed)
			}
		}
	}
}

// sweepExpired removes entries whose last-accessed time is older than the
// TTL and returns how many were removed.
func (c *ResultCache) sweepExpired() int {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*cacheEntry
	for e := c.order.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(*cacheEntry)
		if entry.lastAccessedAt.After(cutoff) {
			// The list is recency-ordered; everything further forward is newer.
			break
		}
		expired = append(expired, entry)
	}
	for _, entry := range expired {
		c.removeLocked(entry)
	}
	return len(expired)
}
