// Package block implements the copy-on-write cluster buffer and the
// bounded LRU cache that holds them, the lowest layer of the core cache
// stack (data clusters and, separately, FAT sectors share this package).
package block

import "sync"

// bufState tags which of the three states a Buffer is currently in.
type bufState int

const (
	stateUninit bufState = iota
	stateUnique
	stateShared
)

// sharedData is the rc-counted backing store for a Buffer in the Shared
// state. Go's GC makes a dangling alias impossible by construction: any
// handle that already captured shared.bytes keeps seeing those bytes even
// after the Buffer itself promotes back to Unique and replaces its own
// pointer, because slices are values, not references-to-the-owner.
type sharedData struct {
	mu    sync.Mutex
	rc    int
	bytes []byte
}

// SharedHandle is a read-only co-owning reference to a Buffer's contents
// at the moment it was shared, used by the flush schedulers to snapshot a
// dirty buffer so mutators can keep writing via copy-on-write.
type SharedHandle struct {
	shared *sharedData
}

// Bytes returns the snapshotted contents. Valid until Release.
func (h SharedHandle) Bytes() []byte { return h.shared.bytes }

// Release drops this handle's share of the snapshot.
func (h SharedHandle) Release() {
	h.shared.mu.Lock()
	h.shared.rc--
	h.shared.mu.Unlock()
}

// Buffer is a cluster-sized (or FAT-sector-sized) region of bytes with
// copy-on-write sharing semantics. A Buffer is not safe for concurrent use
// by itself; callers serialize access with the per-entry lock in Cache.
type Buffer struct {
	state  bufState
	unique []byte
	shared *sharedData
}

// NewUninit returns an Uninit buffer of the given size; contents are
// undefined until a caller writes to it.
func NewUninit(size int) *Buffer {
	return &Buffer{state: stateUninit, unique: make([]byte, size)}
}

// NewUnique wraps an already-populated slice as a Unique buffer, e.g. after
// a device read.
func NewUnique(data []byte) *Buffer {
	return &Buffer{state: stateUnique, unique: data}
}

// Len reports the buffer's size in bytes.
func (b *Buffer) Len() int {
	if b.state == stateShared {
		return len(b.shared.bytes)
	}
	return len(b.unique)
}

// ReadBytes returns the buffer's current contents for read-only use. Valid
// for any state; the caller must not retain the slice past its own lock
// scope if the buffer might be written concurrently, since b.unique can be
// replaced wholesale by a subsequent WriteBytes COW.
func (b *Buffer) ReadBytes() []byte {
	if b.state == stateShared {
		return b.shared.bytes
	}
	return b.unique
}

// Share converts the buffer to the Shared state (if not already) and
// returns a new co-owning handle to its current contents. Subsequent
// writes to b will copy-on-write rather than mutate the shared bytes.
func (b *Buffer) Share() SharedHandle {
	if b.state != stateShared {
		b.shared = &sharedData{rc: 1, bytes: b.unique}
		b.state = stateShared
		b.unique = nil
	}
	b.shared.mu.Lock()
	b.shared.rc++
	b.shared.mu.Unlock()
	return SharedHandle{shared: b.shared}
}

// WriteBytes returns a mutable view of the buffer, performing a
// copy-on-write promotion to Unique if the buffer is currently Shared with
// other outstanding readers. Returns the slice to mutate in place.
func (b *Buffer) WriteBytes() []byte {
	switch b.state {
	case stateUninit, stateUnique:
		b.state = stateUnique
		return b.unique
	case stateShared:
		b.shared.mu.Lock()
		rc := b.shared.rc
		src := b.shared.bytes
		b.shared.mu.Unlock()
		if rc <= 1 {
			// No other outstanding reader: reclaim the shared bytes
			// directly, no copy needed.
			b.unique = src
			b.shared = nil
			b.state = stateUnique
			return b.unique
		}
		fresh := make([]byte, len(src))
		copy(fresh, src)
		b.shared.mu.Lock()
		b.shared.rc--
		b.shared.mu.Unlock()
		b.unique = fresh
		b.shared = nil
		b.state = stateUnique
		return b.unique
	}
	panic("block: unreachable buffer state")
}

// IsShared reports whether the buffer is currently in the Shared state,
// exposed for tests verifying the COW invariant.
func (b *Buffer) IsShared() bool { return b.state == stateShared }
