package gateway

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when a read path cannot be served live and no
// cached value within the staleness bound exists. Callers treat it as
// domain-unavailable, not a failure: skip the tick or re-scan later.
var ErrUnavailable = errors.New("data unavailable")

type cacheEntry[V any] struct {
	value     V
	fetchedAt time.Time
}

// ttlCache is a generic key→(value, fetchedAt) cache. A value is fresh while
// its age is below ttl. When a live refetch fails, a stale value is served
// only while its age is below stalenessMultiple×ttl; beyond that the entry
// is unusable and Sweep will evict it.
//
// All access is mutex-protected; concurrent misses for the same key collapse
// into a single upstream fetch via singleflight.
type ttlCache[V any] struct {
	mu                sync.Mutex
	entries           map[string]cacheEntry[V]
	group             singleflight.Group
	ttl               time.Duration
	stalenessMultiple int
	now               func() time.Time
}

func newTTLCache[V any](ttl time.Duration, stalenessMultiple int) *ttlCache[V] {
	if stalenessMultiple < 1 {
		stalenessMultiple = 1
	}
	return &ttlCache[V]{
		entries:           make(map[string]cacheEntry[V]),
		ttl:               ttl,
		stalenessMultiple: stalenessMultiple,
		now:               time.Now,
	}
}

// getOrFetch returns the cached value if fresh, otherwise invokes fetch.
// On fetch failure it degrades to a stale value inside the staleness bound,
// or reports ErrUnavailable (wrapping the fetch error) past it.
func (c *ttlCache[V]) getOrFetch(key string, fetch func() (V, error)) (V, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: another caller may have refreshed while we waited.
		c.mu.Lock()
		if entry, ok := c.entries[key]; ok && c.now().Sub(entry.fetchedAt) < c.ttl {
			c.mu.Unlock()
			return entry.value, nil
		}
		c.mu.Unlock()

		value, fetchErr := fetch()
		if fetchErr == nil {
			c.mu.Lock()
			c.entries[key] = cacheEntry[V]{value: value, fetchedAt: c.now()}
			c.mu.Unlock()
			return value, nil
		}

		// Degrade to stale within the bound.
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry, ok := c.entries[key]; ok {
			age := c.now().Sub(entry.fetchedAt)
			if age < time.Duration(c.stalenessMultiple)*c.ttl {
				return entry.value, nil
			}
			delete(c.entries, key)
		}
		return nil, errors.Join(ErrUnavailable, fetchErr)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

// peek returns the cached value and its age without fetching.
func (c *ttlCache[V]) peek(key string) (V, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, 0, false
	}
	return entry.value, c.now().Sub(entry.fetchedAt), true
}

// sweep evicts every entry past the staleness bound and returns how many
// were removed.
func (c *ttlCache[V]) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	bound := time.Duration(c.stalenessMultiple) * c.ttl
	evicted := 0
	for key, entry := range c.entries {
		if c.now().Sub(entry.fetchedAt) >= bound {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// len returns the number of live entries.
func (c *ttlCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
