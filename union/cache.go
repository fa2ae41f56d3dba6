package union

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absfs/layerfs"
)

// Cache remembers which layer resolved a path
type Cache struct {
	hits          map[string]*hitEntry
	negativeCache map[string]*negativeEntry
	mu            sync.RWMutex
	ttl           time.Duration
	negativeTTL   time.Duration
	maxEntries    int
	enabled       bool

	lookups atomic.Int64
	misses  atomic.Int64
}

// hitEntry stores the topmost layer holding a path and the kind found there
type hitEntry struct {
	layer   int
	dir     bool
	expires time.Time
}

// negativeEntry stores information about paths absent from every layer
type negativeEntry struct {
	expires time.Time
}

func newCache(enabled bool, ttl, negativeTTL time.Duration, maxEntries int) *Cache {
	if !enabled {
		return &Cache{enabled: false}
	}

	return &Cache{
		hits:          make(map[string]*hitEntry),
		negativeCache: make(map[string]*negativeEntry),
		ttl:           ttl,
		negativeTTL:   negativeTTL,
		maxEntries:    maxEntries,
		enabled:       true,
	}
}

// get returns the cached resolution of p. found reports a positive entry,
// absent a negative one; both false means the cache knows nothing.
func (c *Cache) get(p layerfs.Path) (layer int, dir, found, absent bool) {
	if !c.enabled {
		return -1, false, false, false
	}
	c.lookups.Add(1)

	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	if e, ok := c.hits[p.String()]; ok && now.Before(e.expires) {
		return e.layer, e.dir, true, false
	}
	if e, ok := c.negativeCache[p.String()]; ok && now.Before(e.expires) {
		return -1, false, false, true
	}
	c.misses.Add(1)
	return -1, false, false, false
}

func (c *Cache) put(p layerfs.Path, layer int, dir bool) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.hits) >= c.maxEntries {
		c.evictOldestHit()
	}

	c.hits[p.String()] = &hitEntry{
		layer:   layer,
		dir:     dir,
		expires: time.Now().Add(c.ttl),
	}
}

func (c *Cache) putNegative(p layerfs.Path) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.negativeCache) >= c.maxEntries {
		c.evictOldestNegative()
	}

	c.negativeCache[p.String()] = &negativeEntry{
		expires: time.Now().Add(c.negativeTTL),
	}
}

// invalidate removes p from all caches
func (c *Cache) invalidate(p layerfs.Path) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.hits, p.String())
	delete(c.negativeCache, p.String())
}

// invalidateTree removes p and every entry below it
func (c *Cache) invalidateTree(p layerfs.Path) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p.IsRoot() {
		c.hits = make(map[string]*hitEntry)
		c.negativeCache = make(map[string]*negativeEntry)
		return
	}
	key := p.String()
	below := func(k string) bool {
		return k == key || strings.HasPrefix(k, key+"/")
	}
	for k := range c.hits {
		if below(k) {
			delete(c.hits, k)
		}
	}
	for k := range c.negativeCache {
		if below(k) {
			delete(c.negativeCache, k)
		}
	}
}

func (c *Cache) clear() {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits = make(map[string]*hitEntry)
	c.negativeCache = make(map[string]*negativeEntry)
}

func (c *Cache) evictOldestHit() {
	var oldest string
	var oldestTime time.Time

	for k, e := range c.hits {
		if oldest == "" || e.expires.Before(oldestTime) {
			oldest = k
			oldestTime = e.expires
		}
	}

	if oldest != "" {
		delete(c.hits, oldest)
	}
}

func (c *Cache) evictOldestNegative() {
	var oldest string
	var oldestTime time.Time

	for k, e := range c.negativeCache {
		if oldest == "" || e.expires.Before(oldestTime) {
			oldest = k
			oldestTime = e.expires
		}
	}

	if oldest != "" {
		delete(c.negativeCache, oldest)
	}
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	if !c.enabled {
		return CacheStats{Enabled: false}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Enabled:           true,
		Size:              len(c.hits),
		NegativeCacheSize: len(c.negativeCache),
		MaxEntries:        c.maxEntries,
		TTL:               c.ttl,
		NegativeTTL:       c.negativeTTL,
		Lookups:           c.lookups.Load(),
		Misses:            c.misses.Load(),
	}
}

// CacheStats contains cache statistics
type CacheStats struct {
	Enabled           bool
	Size              int
	NegativeCacheSize int
	MaxEntries        int
	TTL               time.Duration
	NegativeTTL       time.Duration
	Lookups           int64
	Misses            int64
}
