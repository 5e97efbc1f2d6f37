package localsearch

import (
	"container/list"
	"fmt"
	"strings"
)

// cacheCapacity is the fixed LRU capacity for the cost cache (C4).
const cacheCapacity = 1000

type cacheEntry struct {
	key   string
	value float64
}

// costCache is a bounded LRU mapping a row (identified by a string key
// built from its items) to the evaluator-computed cost of that row. It
// lives for the duration of a single search invocation and is discarded
// on return; eviction is strictly by recency.
//
// No third-party LRU library appears anywhere in the retrieved example
// corpus, so this is built on container/list — the standard doubly
// linked list + map idiom — rather than introducing an unsourced
// dependency; see DESIGN.md.
type costCache struct {
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newCostCache() *costCache {
	return &costCache{
		capacity: cacheCapacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// lookup returns the cached value for key and marks it most-recently-used.
func (c *costCache) lookup(key string) (float64, bool) {
	el, ok := c.index[key]
	if !ok {
		return 0, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

// store inserts key as most-recently-used, evicting the least-recently-used
// entry if doing so pushes the cache over capacity.
func (c *costCache) store(key string, value float64) {
	if el, ok := c.index[key]; ok {
		el.Value.(*cacheEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, value: value})
	c.index[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*cacheEntry).key)
		}
	}
}

// rowKey builds a stable cache key for a row, using keyFn to stringify
// each item (defaulting to fmt.Sprint when keyFn is nil). A NUL separator
// is used between items since it's vanishingly unlikely to appear in a
// caller's item representation.
func rowKey[T comparable](row []T, keyFn KeyFunc[T]) string {
	if keyFn == nil {
		keyFn = func(item T) string { return fmt.Sprint(item) }
	}
	var sb strings.Builder
	for _, item := range row {
		sb.WriteString(keyFn(item))
		sb.WriteByte(0)
	}
	return sb.String()
}
