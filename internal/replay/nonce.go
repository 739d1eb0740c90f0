// ABOUTME: Thread-safe TTL cache tracking consumed nonces to block replays
// ABOUTME: Size-bounded with O(1) oldest-first eviction via a linked list

package replay

import (
	"container/list"
	"sync"
	"time"
)

// nonceEntry records when a nonce was consumed and its position in the
// eviction order.
type nonceEntry struct {
	consumedAt time.Time
	element    *list.Element
}

// NonceCache tracks nonces that have already been used within the validity
// window. A nonce older than the TTL no longer needs tracking because the
// timestamp check rejects it independently of replay state.
type NonceCache struct {
	mu      sync.Mutex
	seen    map[string]*nonceEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewNonceCache creates a nonce cache with the given TTL and size bound.
// A background goroutine prunes expired entries until Close is called.
func NewNonceCache(ttl time.Duration, maxSize int) *NonceCache {
	c := &NonceCache{
		seen:    make(map[string]*nonceEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.prune()
	return c
}

// Consume atomically checks whether the nonce was already used and marks it
// if not. Returns true if the nonce is a replay. The check and mark are one
// critical section so concurrent presentations of the same nonce cannot both
// pass.
func (c *NonceCache) Consume(nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[nonce]; ok {
		if time.Since(entry.consumedAt) < c.ttl {
			return true
		}
		// Expired entry for the same nonce: reuse its list slot so the
		// eviction order never holds two elements for one key.
		entry.consumedAt = time.Now()
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(nonce)
	c.seen[nonce] = &nonceEntry{consumedAt: time.Now(), element: elem}
	return false
}

// evictOldest removes the entry at the front of the order list.
// Must be called with mu held.
func (c *NonceCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	nonce, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, nonce)
}

// prune periodically drops expired entries.
func (c *NonceCache) prune() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for nonce, entry := range c.seen {
				if now.Sub(entry.consumedAt) > c.ttl {
					c.order.Remove(entry.element)
					delete(c.seen, nonce)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background pruner. Safe to call more than once.
func (c *NonceCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
