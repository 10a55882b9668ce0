package crypto

import (
	"container/list"
	"crypto/sha256"
	"os"
	"strconv"
	"sync"
	"time"
)

type verifyCacheEntry struct {
	key [32]byte
	ts  time.Time
}

// verifyCache remembers recently verified (pub, sig, message) triples so
// relayed copies of one message are not re-verified.
type verifyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[[32]byte]*list.Element
	order   *list.List
}

func newVerifyCache() *verifyCache {
	ttl := 10 * time.Minute
	if raw := os.Getenv("CORALNODE_SIG_CACHE_TTL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			ttl = time.Duration(v) * time.Second
		}
	}
	maxSize := 4096
	if raw := os.Getenv("CORALNODE_SIG_CACHE_MAX"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxSize = v
		}
	}
	return &verifyCache{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

func (c *verifyCache) key(pub, sig []byte, message string) [32]byte {
	h := sha256.New()
	h.Write(pub)
	h.Write([]byte{0})
	h.Write(sig)
	h.Write([]byte{0})
	h.Write([]byte(message))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *verifyCache) has(key [32]byte) bool {
	if c == nil {
		return false
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	el, ok := c.items[key]
	if ok {
		c.order.MoveToFront(el)
	}
	return ok
}

func (c *verifyCache) put(key [32]byte) {
	if c == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if el, ok := c.items[key]; ok {
		el.Value.(*verifyCacheEntry).ts = now
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&verifyCacheEntry{key: key, ts: now})
	for c.order.Len() > c.maxSize {
		c.removeLocked(c.order.Back())
	}
}

func (c *verifyCache) pruneExpiredLocked(now time.Time) {
	for el := c.order.Back(); el != nil; {
		ent := el.Value.(*verifyCacheEntry)
		if now.Sub(ent.ts) <= c.ttl {
			return
		}
		prev := el.Prev()
		c.removeLocked(el)
		el = prev
	}
}

func (c *verifyCache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	ent := el.Value.(*verifyCacheEntry)
	delete(c.items, ent.key)
	c.order.Remove(el)
}

func (c *verifyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
