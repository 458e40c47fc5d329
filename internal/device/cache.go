package device

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/quernlabs/quern/internal/model"
)

const (
	// treeTTL is how long a fetched UI tree may serve repeat reads. The
	// cache is a performance optimization only; every mutation invalidates
	// it synchronously before returning.
	treeTTL = 300 * time.Millisecond

	// coordTTL bounds how long a learned coordinate is trusted without a
	// fresh confirmation.
	coordTTL = 24 * time.Hour

	// coordMaxMisses expires an entry after this many consecutive probe
	// failures.
	coordMaxMisses = 3
)

// treeCache holds the most recent UI tree per device.
type treeCache struct {
	lru *expirable.LRU[string, *model.UITree]
}

func newTreeCache() *treeCache {
	return &treeCache{lru: expirable.NewLRU[string, *model.UITree](64, nil, treeTTL)}
}

func (c *treeCache) get(udid string) (*model.UITree, bool) { return c.lru.Get(udid) }
func (c *treeCache) put(udid string, t *model.UITree)      { c.lru.Add(udid, t) }
func (c *treeCache) invalidate(udid string)                { c.lru.Remove(udid) }

// coordEntry is one learned tap coordinate.
type coordEntry struct {
	X, Y      float64
	Hits      int
	Misses    int // consecutive
	LearnedAt time.Time
}

// coordCache remembers where an identifier was last found on a given
// device, letting identifier taps skip the full tree scan when a cheap
// point probe confirms the element is still there. Label lookups never
// use it: labels are not unique.
type coordCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *coordEntry]
}

func newCoordCache() *coordCache {
	return &coordCache{lru: expirable.NewLRU[string, *coordEntry](512, nil, coordTTL)}
}

func coordKey(udid, bundleID, identifier string) string {
	return udid + "|" + bundleID + "|" + identifier
}

func (c *coordCache) get(key string) (*coordEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

func (c *coordCache) recordHit(key string, x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Get(key); ok {
		e.X, e.Y = x, y
		e.Hits++
		e.Misses = 0
		return
	}
	c.lru.Add(key, &coordEntry{X: x, Y: y, Hits: 1, LearnedAt: time.Now()})
}

func (c *coordCache) recordMiss(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Get(key); ok {
		e.Misses++
		if e.Misses >= coordMaxMisses {
			c.lru.Remove(key)
		}
	}
}
