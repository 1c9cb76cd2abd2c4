// Package cache memoizes pipeline reports by fingerprint.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultSize is the capacity used when a non-positive size is given.
const DefaultSize = 256

// Entry is a cached value and the time it was stored.
type Entry[V any] struct {
	Fingerprint string
	Value       V
	InsertedAt  time.Time
}

// LRU is a bounded, least-recently-used cache safe for concurrent use.
type LRU[V any] struct {
	mu    sync.Mutex
	size  int
	order *list.List
	items map[string]*list.Element

	hits   uint64
	misses uint64
}

// NewLRU creates a cache holding at most size entries.
func NewLRU[V any](size int) *LRU[V] {
	if size <= 0 {
		size = DefaultSize
	}
	return &LRU[V]{
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element, size),
	}
}

// Get returns the value for fp and marks it most recently used.
func (c *LRU[V]) Get(fp string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[fp]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*Entry[V]).Value, true
}

// Put inserts or replaces the value for fp. The last write wins.
func (c *LRU[V]) Put(fp string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[fp]; ok {
		e := el.Value.(*Entry[V])
		e.Value = v
		e.InsertedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}
	c.items[fp] = c.order.PushFront(&Entry[V]{Fingerprint: fp, Value: v, InsertedAt: time.Now()})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*Entry[V]).Fingerprint)
	}
}

// Clear drops every entry.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.size)
}

// Len returns the number of cached entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats reports hit and miss counts since creation.
func (c *LRU[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Fingerprint hashes parts into a hex SHA-256 digest. Each part is length
// prefixed so ("ab", "c") and ("a", "bc") differ.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
