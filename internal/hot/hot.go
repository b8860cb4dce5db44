// Package hot is the ephemeral in-process tier: a fixed-capacity map
// with a pluggable eviction policy. Residency here is best-effort only;
// the Warm tier remains the source of truth, so losing this cache on
// worker restart is always safe.
package hot

import (
	"sync"
	"time"
)

// Entry is a resident Hot-tier value.
type Entry struct {
	Payload   []byte
	ExpiresAt time.Time // zero = rides the Warm TTL only
}

// Cache is a namespaced fixed-capacity tier. Keys must already carry
// their namespace prefix; the cache itself never mixes scopes because
// it never derives keys.
type Cache struct {
	mu        sync.Mutex
	data      map[string]Entry
	evictor   evictor
	capacity  int
	evictions uint64
}

// New creates a Hot cache with the given capacity and policy.
// Capacity <= 0 disables the tier: every Set is a no-op.
func New(capacity int, policy Policy) *Cache {
	return &Cache{
		data:     make(map[string]Entry),
		evictor:  newEvictor(policy),
		capacity: capacity,
	}
}

// Get returns the resident entry for key, if any.
func (c *Cache) Get(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if !ent.ExpiresAt.IsZero() && !now.Before(ent.ExpiresAt) {
		delete(c.data, key)
		c.evictor.remove(key)
		return nil, false
	}
	c.evictor.onAccess(key)
	return ent.Payload, true
}

// Set inserts or refreshes an entry, evicting per policy when over
// capacity. The admission decision happens before this call; Set itself
// always accepts.
func (c *Cache) Set(key string, ent Entry) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = ent
	c.evictor.onInsert(key)
	for len(c.data) > c.capacity {
		victim, ok := c.evictor.evict()
		if !ok {
			break
		}
		delete(c.data, victim)
		c.evictions++
	}
}

// Victim returns the key the policy would evict next, without evicting.
func (c *Cache) Victim() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictor.peek()
}

// Keys returns the resident keys in no particular order. The admission
// test scans these for the minimum-frequency resident, which the
// policy's own victim (LRU back, FIFO front) need not be.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Full reports whether inserting a new key would force an eviction.
func (c *Cache) Full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity > 0 && len(c.data) >= c.capacity
}

// Delete removes a key. Used by pruning; absent keys are a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[key]; ok {
		delete(c.data, key)
		c.evictor.remove(key)
	}
}

// Contains reports residency without touching eviction order. Entries
// past their expiry are dropped and reported absent, so a presence
// check never disagrees with a subsequent Get.
func (c *Cache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.data[key]
	if !ok {
		return false
	}
	if !ent.ExpiresAt.IsZero() && !now.Before(ent.ExpiresAt) {
		delete(c.data, key)
		c.evictor.remove(key)
		return false
	}
	return true
}

// Len returns the resident entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Evictions returns the number of capacity evictions so far.
func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
