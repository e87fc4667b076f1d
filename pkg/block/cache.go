package block

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// Key identifies a cached unit: a data cluster id or a FAT sector index,
// depending on which Cache instance is asking (the block cache and the
// FAT list each own one Cache).
type Key uint32

// Fetch loads the on-disk contents for a cache miss. Implemented by the
// device-backed loader the Manager wires in at Init time.
type Fetch func(ctx context.Context, key Key) ([]byte, error)

// Entry is one cached unit: a COW Buffer guarded by its own RWMutex, plus
// bookkeeping the Cache needs for LRU eviction and dirty tracking.
type Entry struct {
	mu    sync.RWMutex
	buf   *Buffer
	aid   layout.AID
	dirty atomic.Bool
}

// Read runs fn with shared access to the entry's current contents.
func (e *Entry) Read(fn func([]byte)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.buf.ReadBytes())
}

// Snapshot takes a COW-shared handle on the entry's buffer, for the flush
// loop: the handle's bytes are stable even if a writer mutates the entry
// afterward, since the writer's COW promotion leaves the snapshot's
// backing array untouched.
func (e *Entry) Snapshot() SharedHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.Share()
}

// Cache is a bounded-size LRU pool of Entries with a dirty-buffer
// throttling semaphore, grounded on the fat32 crate's CacheManager
// (block/mod.rs and block_cache/manager.rs) and adapted from the
// map+container/list shape of pkg/lru.Cache.
type Cache struct {
	mu       sync.Mutex
	entries  map[Key]*Entry
	order    map[Key]*list.Element // LRU order, front = least recently used
	lru      *list.List
	nextAID  uint64
	maxCache int
	dirty    map[Key]struct{}
	sem      *semaphore.Weighted
	fetch    Fetch
	newSize  int
}

// New builds a Cache that loads misses via fetch, holds at most maxCache
// entries, allows at most maxDirty of them to be dirty simultaneously, and
// allocates buffers of unitSize bytes (cluster size for the block cache,
// sector size for the FAT list's cache).
func New(maxCache, maxDirty, unitSize int, fetch Fetch) *Cache {
	return &Cache{
		entries:  make(map[Key]*Entry),
		order:    make(map[Key]*list.Element),
		lru:      list.New(),
		maxCache: maxCache,
		dirty:    make(map[Key]struct{}),
		sem:      semaphore.NewWeighted(int64(maxDirty)),
		fetch:    fetch,
		newSize:  unitSize,
	}
}

func (c *Cache) touch(key Key) {
	c.nextAID++
	if el, ok := c.order[key]; ok {
		c.lru.MoveToBack(el)
	} else {
		c.order[key] = c.lru.PushBack(key)
	}
	c.entries[key].aid = layout.AID(c.nextAID)
}

// GetBlock returns the cached entry for key, loading it via Fetch on miss.
func (c *Cache) GetBlock(ctx context.Context, key Key) (*Entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.touch(key)
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	data, err := c.fetch(ctx, key)
	if err != nil {
		return nil, xerror.Wrap("block.GetBlock", xerror.EIO, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		// Lost the race to another loader; discard our read.
		c.touch(key)
		return e, nil
	}
	c.evictLocked()
	e := &Entry{buf: NewUnique(data)}
	c.entries[key] = e
	c.touch(key)
	return e, nil
}

// GetBlockInit installs a freshly allocated entry for key without reading
// the device, runs init to populate it, and marks it dirty. Used when a
// cluster/sector is newly allocated and its previous disk contents are
// irrelevant.
func (c *Cache) GetBlockInit(ctx context.Context, key Key, init func([]byte)) (*Entry, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, xerror.Wrap("block.GetBlockInit", xerror.EAGAIN, err)
	}
	c.mu.Lock()
	c.evictLocked()
	e := &Entry{buf: NewUninit(c.newSize)}
	init(e.buf.WriteBytes())
	e.dirty.Store(true)
	c.entries[key] = e
	c.dirty[key] = struct{}{}
	c.touch(key)
	c.mu.Unlock()
	return e, nil
}

// evictLocked drops the least-recently-used entry that is not dirty and
// not currently held under an exclusive/shared lock, if the cache is at
// capacity. Called with c.mu held.
func (c *Cache) evictLocked() {
	if c.maxCache <= 0 || len(c.entries) < c.maxCache {
		return
	}
	for el := c.lru.Front(); el != nil; el = el.Next() {
		key := el.Value.(Key)
		e := c.entries[key]
		if e.dirty.Load() {
			continue
		}
		if !e.mu.TryLock() {
			continue
		}
		e.mu.Unlock()
		delete(c.entries, key)
		delete(c.order, key)
		c.lru.Remove(el)
		return
	}
	// Every entry is dirty or busy; let the cache exceed maxCache rather
	// than block or corrupt state. Flushing does not evict; each later
	// insert evicts at most one clean entry, so the overshoot persists.
}

// Write acquires exclusive access to key's entry, runs fn against a
// mutable (COW-promoted if needed) view, and marks the entry dirty,
// taking one unit of the dirty-buffer semaphore the first time the entry
// becomes dirty since its last flush.
func (c *Cache) Write(ctx context.Context, key Key, e *Entry, fn func([]byte)) error {
	c.mu.Lock()
	_, alreadyDirty := c.dirty[key]
	c.mu.Unlock()

	if !alreadyDirty {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return xerror.Wrap("block.Write", xerror.EAGAIN, err)
		}
	}

	e.mu.Lock()
	fn(e.buf.WriteBytes())
	e.mu.Unlock()

	if !alreadyDirty {
		c.mu.Lock()
		c.dirty[key] = struct{}{}
		e.dirty.Store(true)
		c.touch(key)
		c.mu.Unlock()
	}
	return nil
}

// ReleaseBlock drops key from the cache entirely, e.g. because its
// backing cluster chain was just freed. Any in-flight dirty state for key
// is discarded without being written back.
func (c *Cache) ReleaseBlock(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dirty := c.dirty[key]; dirty {
		delete(c.dirty, key)
		c.sem.Release(1)
	}
	if el, ok := c.order[key]; ok {
		c.lru.Remove(el)
		delete(c.order, key)
	}
	delete(c.entries, key)
}

// DrainDirty atomically removes and returns every currently dirty key, for
// the flush loop to snapshot and write back. The entries remain in the
// cache; only their dirty-set membership moves.
func (c *Cache) DrainDirty() map[Key]*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Key]*Entry, len(c.dirty))
	for key := range c.dirty {
		out[key] = c.entries[key]
	}
	c.dirty = make(map[Key]struct{})
	return out
}

// FinishFlush marks key clean again (unless it was re-dirtied while its
// flush was in flight, in which case the re-dirty wins) and releases one
// unit of the dirty-buffer semaphore.
func (c *Cache) FinishFlush(key Key, e *Entry) {
	c.mu.Lock()
	_, stillDirty := c.dirty[key]
	if !stillDirty {
		e.dirty.Store(false)
	}
	c.mu.Unlock()
	c.sem.Release(1)
}

// DirtyCount reports the number of currently dirty entries, for tests
// checking the dirty_count + available_permits == max_dirty invariant.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// Len reports the number of entries currently resident.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
