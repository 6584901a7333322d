package chain

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how stale a cached ledger answer may be.
const DefaultCacheTTL = 15 * time.Second

// Bucket separates cached query kinds.
type Bucket string

const (
	BucketMarketInfo   Bucket = "market_info"
	BucketReceiptInfo  Bucket = "receipt_info"
	BucketReceiptOwner Bucket = "receipt_owner"
	BucketRewardQuote  Bucket = "reward_quote"
)

type cacheEntry struct {
	value     any
	fetchedAt time.Time
}

// Cache holds decoded read-only results per bucket, absences included.
// Entries older than the TTL are never served.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	buckets map[Bucket]map[string]cacheEntry
}

// NewCache returns a cache with the given TTL (DefaultCacheTTL when <= 0).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[Bucket]map[string]cacheEntry),
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// Get returns the cached value if present and fresh. An expired entry is
// dropped on the way out.
func (c *Cache) Get(b Bucket, key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.buckets[b][key]
	now := c.now()
	c.mu.RUnlock()

	if !ok || now.Sub(e.fetchedAt) >= c.ttl {
		cacheLookups.WithLabelValues(string(b), "miss").Inc()
		if ok {
			c.evict(b, key, e.fetchedAt)
		}
		return nil, false
	}
	cacheLookups.WithLabelValues(string(b), "hit").Inc()
	return e.value, true
}

// Set stores value for key in bucket.
func (c *Cache) Set(b Bucket, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.buckets[b]
	if !ok {
		m = make(map[string]cacheEntry)
		c.buckets[b] = m
	}
	m[key] = cacheEntry{value: value, fetchedAt: c.now()}
}

// evict removes key unless it was refreshed after fetchedAt.
func (c *Cache) evict(b Bucket, key string, fetchedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.buckets[b][key]; ok && e.fetchedAt.Equal(fetchedAt) {
		delete(c.buckets[b], key)
	}
}

// Invalidate drops key from the given buckets.
func (c *Cache) Invalidate(key string, buckets ...Bucket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range buckets {
		delete(c.buckets[b], key)
	}
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, m := range c.buckets {
		for k, e := range m {
			if now.Sub(e.fetchedAt) >= c.ttl {
				delete(m, k)
				removed++
			}
		}
	}
	return removed
}

// RunPurger purges expired entries every interval until ctx is done.
func (c *Cache) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, m := range c.buckets {
		n += len(m)
	}
	return n
}
