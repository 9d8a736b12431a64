package volatility

import (
	"sync"
	"time"
)

type entry struct {
	value    float64
	storedAt time.Time
}

// Cache holds per-symbol volatility percentages with a TTL. Expired entries
// are invisible to readers immediately; physical removal happens lazily on
// read, on a ClearStale sweep, or through capacity eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	cap     int
	now     func() time.Time
}

// NewCache builds a cache. cap bounds the number of entries; when full, the
// oldest entry is evicted. A nil clock uses time.Now.
func NewCache(ttl time.Duration, capacity int, clock func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if capacity <= 0 {
		capacity = 500
	}
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		cap:     capacity,
		now:     clock,
	}
}

// Set stores a value, evicting the oldest entry if the cache is full.
func (c *Cache) Set(symbol string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[symbol]; !exists && len(c.entries) >= c.cap {
		c.evictOldestLocked()
	}
	c.entries[symbol] = entry{value: value, storedAt: c.now()}
}

// Get returns the value if present and fresh. A stale entry is removed on
// the spot and reported absent.
func (c *Cache) Get(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[symbol]
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, symbol)
		return 0, false
	}
	return e.value, true
}

// Snapshot returns all fresh entries as a plain map.
func (c *Cache) Snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]float64, len(c.entries))
	for sym, e := range c.entries {
		if now.Sub(e.storedAt) <= c.ttl {
			out[sym] = e.value
		}
	}
	return out
}

// ClearStale removes every expired entry and reports how many were dropped.
func (c *Cache) ClearStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for sym, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, sym)
			removed++
		}
	}
	return removed
}

// PruneInactive removes entries whose symbol left the tracked set, so the
// cache never accumulates delisted symbols while their TTL runs out.
func (c *Cache) PruneInactive(active map[string]struct{}) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for sym := range c.entries {
		if _, ok := active[sym]; !ok {
			delete(c.entries, sym)
			removed++
		}
	}
	return removed
}

// Len reports the number of physical entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var oldestSym string
	var oldestAt time.Time
	first := true
	for sym, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldestSym = sym
			oldestAt = e.storedAt
			first = false
		}
	}
	if oldestSym != "" {
		delete(c.entries, oldestSym)
	}
}
