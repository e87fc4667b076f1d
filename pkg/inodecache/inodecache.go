// Package inodecache implements the fat32 core's weak-reference inode
// cache: a map from a directory entry's on-disk location to a single
// in-memory identity, so two lookups of the same file never produce two
// distinct inodes. Grounded on the fat32 crate's rcu_init/rcu_free
// handling in manager/mod.rs, adapted from the map+container/list shape
// of pkg/lru.Cache (string keys, unbounded values) generalized to this
// domain's (parent, offset) key and refcounted handles.
package inodecache

import (
	"container/list"
	"sync"

	"fat32fs.dev/pkg/layout"
)

// Key names a directory-entry location: the start cluster of the
// directory that contains it, and an Offset identifying the entry's short
// slot within that directory. pkg/fat32 packs the slot's cluster id and
// its index within that cluster into Offset (cluster<<12 | index). The
// root directory uses offset RootOffset (the max uint32), which is
// reserved for it.
type Key struct {
	ParentStart layout.CID
	Offset      uint32
}

// RootOffset is the reserved Key.Offset naming the root directory.
const RootOffset uint32 = ^uint32(0)

// Handle is a strong, ref-counted reference to a cached inode identity.
// Callers must call Release exactly once per Handle they were given.
type Handle[V any] struct {
	key   Key
	Value V

	c    *Cache[V]
	mu   sync.Mutex
	refs int
	elem *list.Element // position in c.recency when refs == 0; nil otherwise
}

// Cache is a bounded-recency inode identity cache. An entry with zero
// outstanding handles is not deleted immediately; it is kept in a
// recency window of up to targetFree such entries so a lookup that
// immediately follows a Release (the common "stat right after close"
// pattern) does not rebuild. Reclamation is eager: once the window is
// over budget, the least-recently-released entry is dropped right away,
// never deferred to a background sweep (see SPEC_FULL.md §9 for why this
// implementation picked eager over deferred reclamation).
type Cache[V any] struct {
	mu         sync.Mutex
	slotLocks  map[Key]*sync.Mutex // per-key build lock, narrower than c.mu
	entries    map[Key]*Handle[V]
	recency    *list.List // front = oldest released, back = most recently released
	targetFree int
	onEvict    func(Key, V)
}

// SetEvictHook installs fn to run whenever an entry is dropped from the
// recency window (eager reclamation past targetFree). The Manager uses
// this to free a detached file's cluster chain once its last handle is
// truly gone, rather than leaking it for the cache's lifetime.
func (c *Cache[V]) SetEvictHook(fn func(Key, V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// New builds a Cache that keeps at most targetFree zero-refcount entries
// before evicting.
func New[V any](targetFree int) *Cache[V] {
	return &Cache[V]{
		slotLocks:  make(map[Key]*sync.Mutex),
		entries:    make(map[Key]*Handle[V]),
		recency:    list.New(),
		targetFree: targetFree,
	}
}

func (c *Cache[V]) slotLock(key Key) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.slotLocks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	c.slotLocks[key] = m
	return m
}

// GetOrInsert returns a strong Handle for key, building it via build if
// not already cached. Concurrent GetOrInsert calls for the same key
// serialize on the key's slot lock, so only one builder ever runs and
// every caller observes the same resulting value.
func (c *Cache[V]) GetOrInsert(key Key, build func() (V, error)) (*Handle[V], error) {
	slot := c.slotLock(key)
	slot.Lock()
	defer slot.Unlock()

	c.mu.Lock()
	if h, ok := c.entries[key]; ok {
		h.mu.Lock()
		if h.refs == 0 && h.elem != nil {
			c.recency.Remove(h.elem)
			h.elem = nil
		}
		h.refs++
		h.mu.Unlock()
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	v, err := build()
	if err != nil {
		return nil, err
	}

	h := &Handle[V]{key: key, Value: v, c: c, refs: 1}
	c.mu.Lock()
	c.entries[key] = h
	c.mu.Unlock()
	return h, nil
}

// Release drops one reference to h. Once the refcount reaches zero the
// handle enters the recency window rather than being dropped immediately,
// so a prompt re-lookup of the same key is cheap.
func (h *Handle[V]) Release() {
	h.mu.Lock()
	h.refs--
	becameFree := h.refs == 0
	h.mu.Unlock()
	if !becameFree {
		return
	}
	c := h.c
	c.mu.Lock()
	h.mu.Lock()
	if h.refs == 0 { // still free; another GetOrInsert could have raced in
		h.elem = c.recency.PushBack(h)
		c.evictOverBudgetLocked()
	}
	h.mu.Unlock()
	c.mu.Unlock()
}

// evictOverBudgetLocked drops the oldest recency-window entries until the
// window is back at or under targetFree. Called with c.mu held.
func (c *Cache[V]) evictOverBudgetLocked() {
	for c.recency.Len() > c.targetFree {
		front := c.recency.Front()
		h := front.Value.(*Handle[V])
		c.recency.Remove(front)
		delete(c.entries, h.key)
		delete(c.slotLocks, h.key)
		if c.onEvict != nil {
			c.onEvict(h.key, h.Value)
		}
	}
}

// Peek returns the value currently cached at key, if any, without
// affecting its refcount or recency position. Used when a caller needs
// to know whether an identity is already tracked (e.g. to detach an open
// file being unlinked) without itself acquiring a handle.
func (c *Cache[V]) Peek(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return h.Value, true
}

// Rekey moves the identity cached at oldKey, if any, to newKey: used when a
// directory entry's location changes (rename within or across
// directories), so a handle acquired before the rename and one acquired
// after it still observe the same in-memory identity. Reports whether an
// entry was found at oldKey; false is the common case (the renamed entry
// had no open handle and no live recency-window slot).
func (c *Cache[V]) Rekey(oldKey, newKey Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[oldKey]
	if !ok {
		return false
	}
	delete(c.entries, oldKey)
	h.mu.Lock()
	h.key = newKey
	h.mu.Unlock()
	c.entries[newKey] = h
	return true
}

// Len reports the number of distinct keys currently tracked, live or in
// the recency window, for tests asserting eviction behavior.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
