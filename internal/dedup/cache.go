// Package dedup tracks gossip objects already seen so they are processed
// and relayed once, plus the per-peer request rate limits.
package dedup

import (
	"container/list"
	"sync"

	"coralnode/internal/proto"
)

const DefaultCap = 1 << 16

type cacheEntry[V any] struct {
	hash proto.Hash
	val  V
}

// Cache is a bounded hash-keyed store. When full, the least recently
// touched entry is evicted.
type Cache[V any] struct {
	mu      sync.Mutex
	cap     int
	entries map[proto.Hash]*list.Element
	order   *list.List
}

func NewCache[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Cache[V]{
		cap:     capacity,
		entries: make(map[proto.Hash]*list.Element),
		order:   list.New(),
	}
}

func (c *Cache[V]) Seen(hash proto.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[hash]
	return ok
}

func (c *Cache[V]) Get(hash proto.Hash) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[hash]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry[V]).val, true
}

// Add stores val unless hash is already present and reports whether it
// was new.
func (c *Cache[V]) Add(hash proto.Hash, val V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[hash]; ok {
		c.order.MoveToFront(el)
		return false
	}
	c.insertLocked(hash, val)
	return true
}

// Put stores val, replacing any existing entry.
func (c *Cache[V]) Put(hash proto.Hash, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[hash]; ok {
		el.Value.(*cacheEntry[V]).val = val
		c.order.MoveToFront(el)
		return
	}
	c.insertLocked(hash, val)
}

// Update applies fn to the entry for hash if present.
func (c *Cache[V]) Update(hash proto.Hash, fn func(*V)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[hash]
	if !ok {
		return false
	}
	fn(&el.Value.(*cacheEntry[V]).val)
	return true
}

func (c *Cache[V]) Delete(hash proto.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[hash]; ok {
		c.removeLocked(el)
	}
}

// DeleteFunc removes every entry fn selects and returns how many went.
func (c *Cache[V]) DeleteFunc(fn func(proto.Hash, V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*cacheEntry[V])
		if fn(ent.hash, ent.val) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries copies the cache contents.
func (c *Cache[V]) Entries() map[proto.Hash]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[proto.Hash]V, len(c.entries))
	for h, el := range c.entries {
		out[h] = el.Value.(*cacheEntry[V]).val
	}
	return out
}

// Reset replaces the contents with entries.
func (c *Cache[V]) Reset(entries map[proto.Hash]V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[proto.Hash]*list.Element, len(entries))
	c.order.Init()
	for h, v := range entries {
		c.insertLocked(h, v)
	}
}

func (c *Cache[V]) insertLocked(hash proto.Hash, val V) {
	c.entries[hash] = c.order.PushFront(&cacheEntry[V]{hash: hash, val: val})
	for len(c.entries) > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	delete(c.entries, el.Value.(*cacheEntry[V]).hash)
	c.order.Remove(el)
}
