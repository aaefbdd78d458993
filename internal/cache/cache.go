// Package cache implements the process wide fingerprint cache holding decoded
// textures, geometries and in-flight executions, keyed by opaque strings. The
// cache is the only cross request shared mutable state of the scheduling core
// and doubles as its promise memoization table: an unsettled entry stands in
// for the value being computed, so concurrent requesters of one key always
// share a single execution.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type Policy int

const (
	// Entries never expire on their own, eviction is explicit
	PolicyDefault Policy = iota

	// Entries participate in the soft memory bounded texture eviction
	PolicyTexture
)

// Values may report their GPU/CPU resident size to the texture eviction policy
type Sizer interface {
	ByteSize() int64
}

// Values may release underlying resources when their entry is purged
type Disposable interface {
	Dispose()
}

// Size charged to texture entries whose value does not implement Sizer
const defaultEntrySize = 1 << 16

// Default soft limit for the aggregate size of texture entries
const DefaultTextureByteLimit = 256 << 20

type entry struct {
	key      string
	policy   Policy
	value    interface{}
	settled  bool
	done     chan struct{}
	err      error
	refCount int
	size     int64
	lruElem  *list.Element
}

type Cache struct {
	mu               sync.Mutex
	entries          map[string]*entry
	lru              *list.List // settled texture entries, most recently touched in front
	textureBytes     int64
	textureByteLimit int64
}

func New() *Cache {
	return NewWithTextureLimit(DefaultTextureByteLimit)
}

func NewWithTextureLimit(textureByteLimit int64) *Cache {
	return &Cache{
		entries:          make(map[string]*entry),
		lru:              list.New(),
		textureByteLimit: textureByteLimit,
	}
}

// Returns the settled value stored for key. Pending entries are not visible
// through Get, callers wanting to join an in-flight computation use GetOrBegin.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.settled {
		return nil, false
	}
	c.touch(e)
	return e.value, true
}

// Stores value under key and returns the value now present in the cache. When
// an entry already exists its value wins, which makes the common
// "get or set" pattern return one shared instance to every caller.
func (c *Cache) Set(key string, value interface{}, policy Policy) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.settled {
		c.touch(e)
		return e.value
	}

	e := &entry{
		key:     key,
		policy:  policy,
		value:   value,
		settled: true,
	}
	c.insert(e)
	return value
}

// A Pending handle stands in for a value still being computed. Exactly one
// caller owns it and must settle it with Resolve or Reject; everyone else
// awaits the outcome through Wait.
type Pending struct {
	cache *Cache
	e     *entry
}

// Looks up key, beginning a pending entry when the key is absent. Exactly one
// of the results is meaningful: a settled value, or a pending handle with
// owner reporting whether the caller created it and therefore must settle it.
func (c *Cache) GetOrBegin(key string, policy Policy) (value interface{}, found bool, pending *Pending, owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.settled {
			c.touch(e)
			return e.value, true, nil, false
		}
		return nil, false, &Pending{cache: c, e: e}, false
	}

	e := &entry{
		key:    key,
		policy: policy,
		done:   make(chan struct{}),
	}
	c.entries[key] = e
	return nil, false, &Pending{cache: c, e: e}, true
}

// Settles the entry with the given value, waking all waiters
func (p *Pending) Resolve(value interface{}) {
	c := p.cache
	c.mu.Lock()
	// the entry may have been force-deleted while in flight (layer detached);
	// waiters still observe the value, the cache just no longer holds it
	if current, ok := c.entries[p.e.key]; ok && current == p.e {
		p.e.value = value
		p.e.settled = true
		c.account(p.e)
	} else {
		p.e.value = value
		p.e.settled = true
	}
	c.mu.Unlock()
	close(p.e.done)
}

// Settles the entry as void and removes it from the cache. Used when an
// execution is abandoned without producing a value: waiters observe a nil
// value and the key stays retryable.
func (p *Pending) Cancel() {
	c := p.cache
	c.mu.Lock()
	if current, ok := c.entries[p.e.key]; ok && current == p.e {
		delete(c.entries, p.e.key)
	}
	p.e.settled = true
	c.mu.Unlock()
	close(p.e.done)
}

// Settles the entry as failed and removes it from the cache so that a future
// frame can retry the same key.
func (p *Pending) Reject(err error) {
	c := p.cache
	c.mu.Lock()
	if current, ok := c.entries[p.e.key]; ok && current == p.e {
		delete(c.entries, p.e.key)
	}
	p.e.err = err
	p.e.settled = true
	c.mu.Unlock()
	close(p.e.done)
}

// Blocks until the entry settles or the context is done
func (p *Pending) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-p.e.done:
		return p.e.value, p.e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// Removes every entry whose key starts with prefix. Used to purge all cached
// artifacts belonging to one decommissioned layer.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.remove(e)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Increments the manual reference count of the settled entry stored at key.
// Shared resources (tile geometries reused across layers) are retained once
// per consumer and released on consumer disposal.
func (c *Cache) Retain(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.settled {
		return fmt.Errorf("cache: cannot retain missing entry %q", key)
	}
	e.refCount++
	return nil
}

// Decrements the reference count of the entry stored at key. When the count
// reaches zero the entry is purged and its value disposed. Returns true when
// the underlying resource was released.
func (c *Cache) Release(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.refCount <= 0 {
		glog.Warningf("cache: release of unretained entry %q", key)
		return false
	}
	e.refCount--
	if e.refCount > 0 {
		return false
	}
	c.remove(e)
	return true
}

// internal helpers, all called with c.mu held

func (c *Cache) insert(e *entry) {
	c.entries[e.key] = e
	c.account(e)
}

func (c *Cache) account(e *entry) {
	if e.policy != PolicyTexture {
		return
	}
	e.size = defaultEntrySize
	if s, ok := e.value.(Sizer); ok {
		e.size = s.ByteSize()
	}
	c.textureBytes += e.size
	e.lruElem = c.lru.PushFront(e)
	c.evictTexturesLocked()
}

func (c *Cache) touch(e *entry) {
	if e.lruElem != nil {
		c.lru.MoveToFront(e.lruElem)
	}
}

func (c *Cache) remove(e *entry) {
	delete(c.entries, e.key)
	if e.lruElem != nil {
		c.lru.Remove(e.lruElem)
		c.textureBytes -= e.size
		e.lruElem = nil
	}
	if d, ok := e.value.(Disposable); ok {
		d.Dispose()
	}
}

// Discards least recently touched texture entries until the aggregate tracked
// size drops under the soft limit. Pending entries never appear in the lru
// list, so an in-flight computation is never evicted before settling.
// Referenced entries are skipped, their owners still hold them.
func (c *Cache) evictTexturesLocked() {
	for c.textureBytes > c.textureByteLimit {
		evicted := false
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			e := elem.Value.(*entry)
			if e.refCount > 0 {
				continue
			}
			c.remove(e)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}
