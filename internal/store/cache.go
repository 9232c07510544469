package store

import (
	"slices"
	"strings"
	"sync"
)

// sortCache holds item id orderings derived from the items table.
//
// Entries are built lazily under the store's read lock and dropped wholesale
// by any write that inserts a row. Writers hold the store's write lock while
// invalidating, so a build can never straddle a write.
type sortCache struct {
	mu       sync.Mutex
	global   []string
	hasAll   bool
	filtered map[string][]string
}

func newSortCache() *sortCache {
	return &sortCache{filtered: make(map[string][]string)}
}

// cacheKey is the sorted, comma-joined, de-duplicated source id set.
func cacheKey(sourceIDs []string) string {
	ids := slices.Clone(sourceIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return strings.Join(ids, ",")
}

// get returns the ordering for sourceIDs (all sources when empty), building
// it with build on a miss. The returned slice must not be modified.
func (c *sortCache) get(sourceIDs []string, build func([]string) ([]string, error)) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(sourceIDs) == 0 {
		if c.hasAll {
			return c.global, nil
		}
		ids, err := build(nil)
		if err != nil {
			return nil, err
		}
		c.global, c.hasAll = ids, true
		return ids, nil
	}

	key := cacheKey(sourceIDs)
	if ids, ok := c.filtered[key]; ok {
		return ids, nil
	}
	ids, err := build(strings.Split(key, ","))
	if err != nil {
		return nil, err
	}
	c.filtered[key] = ids
	return ids, nil
}

// invalidate drops every cached ordering.
func (c *sortCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global, c.hasAll = nil, false
	clear(c.filtered)
}

// size reports the number of cached orderings.
func (c *sortCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.filtered)
	if c.hasAll {
		n++
	}
	return n
}
