package vfile

import (
	"context"
	"sync"
	"time"

	"fat32fs.dev/pkg/dirent"
	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// File is the open-file inode: a cluster chain plus the cached size and
// the location of its directory entry, so writes can grow the chain and
// stat_write_back can push size/start-cluster changes back to the parent
// directory. Grounded on the fat32 crate's Fat32Inode (manager/file.rs),
// whose readable/writable/ptr atomics are represented here by an RWMutex
// guarding the size/start fields directly, which is simpler in Go and
// gives WriteAt the exclusivity it needs for chain growth.
type File struct {
	io *ChainIO

	mu       sync.RWMutex
	start    layout.CID
	size     int64
	detached bool

	parentStart  layout.CID
	entryCluster layout.CID
	entryIndex   int
}

// NewFile wraps an existing directory entry's chain as an open file.
// entryCluster/entryIndex locate the short entry's own 32-byte slot
// within the parent directory, for StatWriteBack.
func NewFile(io *ChainIO, parentStart layout.CID, entryCluster layout.CID, entryIndex int, start layout.CID, size int64) *File {
	return &File{
		io:           io,
		start:        start,
		size:         size,
		parentStart:  parentStart,
		entryCluster: entryCluster,
		entryIndex:   entryIndex,
	}
}

// NewFileFromItem is a convenience wrapper over NewFile for callers that
// already have a dirent.Item (the common case: Dir.Search/CreateFile).
func NewFileFromItem(io *ChainIO, parentStart layout.CID, item *dirent.Item) *File {
	return NewFile(io, parentStart, item.EntryCluster, item.EntryIndex, item.StartCID, int64(item.Size))
}

// Size reports the file's current logical length.
func (f *File) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// ReadAt copies min(len(buf), size-offset) bytes starting at offset into
// buf, returning the count actually read. Reading at or past EOF returns
// (0, nil), matching io.ReaderAt's convention loosely (no io.EOF sentinel,
// since callers here are FUSE-style fixed-size-read consumers).
func (f *File) ReadAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	f.mu.RLock()
	start, size := f.start, f.size
	f.mu.RUnlock()

	if offset >= size || len(buf) == 0 {
		return 0, nil
	}
	end := offset + int64(len(buf))
	if end > size {
		end = size
	}
	clusterBytes := int64(f.io.ClusterBytes())
	n := 0
	for offset+int64(n) < end {
		pos := offset + int64(n)
		clusterIdx := pos / clusterBytes
		inOff := int(pos % clusterBytes)
		cid, err := f.io.walk(ctx, start, clusterIdx)
		if err != nil {
			return n, err
		}
		raw, err := f.io.ReadCluster(ctx, cid)
		if err != nil {
			return n, err
		}
		want := int(end-pos)
		if avail := len(raw) - inOff; want > avail {
			want = avail
		}
		copy(buf[n:n+want], raw[inOff:inOff+want])
		n += want
	}
	return n, nil
}

// WriteAt writes buf at offset, growing the chain (via Resize) first if
// the write extends past the current size.
func (f *File) WriteAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	needSize := offset + int64(len(buf))
	f.mu.RLock()
	curSize := f.size
	f.mu.RUnlock()
	if needSize > curSize {
		if err := f.Resize(ctx, needSize); err != nil {
			return 0, err
		}
	}

	f.mu.RLock()
	start := f.start
	f.mu.RUnlock()

	clusterBytes := int64(f.io.ClusterBytes())
	n := 0
	for n < len(buf) {
		pos := offset + int64(n)
		clusterIdx := pos / clusterBytes
		inOff := int(pos % clusterBytes)
		cid, err := f.io.walk(ctx, start, clusterIdx)
		if err != nil {
			return n, err
		}
		want := len(buf) - n
		if avail := int(clusterBytes) - inOff; want > avail {
			want = avail
		}
		chunk := buf[n : n+want]
		if err := f.io.WriteCluster(ctx, cid, func(b []byte) {
			copy(b[inOff:inOff+want], chunk)
		}); err != nil {
			return n, err
		}
		n += want
	}
	return n, nil
}

// Resize grows or shrinks the file's cluster chain to hold newSize bytes,
// allocating or freeing clusters as needed, and updates the cached size.
// It does not itself push the change to the directory entry; callers
// call StatWriteBack when they want that durable.
func (f *File) Resize(ctx context.Context, newSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	oldClusters := f.io.clusterCount(f.size)
	newClusters := f.io.clusterCount(newSize)

	switch {
	case newClusters == oldClusters:
		// no chain change
	case oldClusters == 0 && newClusters > 0:
		start, err := f.io.AllocChain(ctx, newClusters)
		if err != nil {
			return err
		}
		f.start = start
	case newClusters == 0:
		if f.start != 0 {
			if err := f.io.FreeChain(ctx, f.start); err != nil {
				return err
			}
		}
		f.start = 0
	case newClusters > oldClusters:
		last, err := f.io.walk(ctx, f.start, int64(oldClusters-1))
		if err != nil {
			return err
		}
		for i := oldClusters; i < newClusters; i++ {
			next, err := f.io.AppendCluster(ctx, last)
			if err != nil {
				return err
			}
			last = next
		}
	default: // newClusters < oldClusters, still > 0
		lastKept, err := f.io.walk(ctx, f.start, int64(newClusters-1))
		if err != nil {
			return err
		}
		firstFreed, ok, err := f.io.NextCluster(ctx, lastKept)
		if err != nil {
			return err
		}
		if ok {
			if err := f.io.Terminate(ctx, lastKept); err != nil {
				return err
			}
			if err := f.io.FreeChain(ctx, firstFreed); err != nil {
				return err
			}
		}
	}

	f.size = newSize
	return nil
}

// Detach marks the file so that once the inode cache evicts its identity
// (after its last open handle is released and it has aged out of the
// cache's recency window), the manager frees its cluster chain instead of
// leaving it attached to the (already unlinked) directory entry. Mirrors
// the fat32 crate's delete-while-open semantics: the entry is gone from
// the directory immediately, but the chain survives until that eviction.
func (f *File) Detach() {
	f.mu.Lock()
	f.detached = true
	f.mu.Unlock()
}

// Detached reports whether Detach has been called.
func (f *File) Detached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.detached
}

// ReleaseChain frees the file's cluster chain. Only valid once detached
// and once the caller knows no other handle references this inode (the
// inode cache's eager reclamation guarantees this by construction).
func (f *File) ReleaseChain(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.start == 0 {
		return nil
	}
	if err := f.io.FreeChain(ctx, f.start); err != nil {
		return err
	}
	f.start = 0
	f.size = 0
	return nil
}

// StatWriteBack rewrites the file's size and start-cluster fields into its
// short directory entry slot. A no-op if the file was detached (its
// directory entry no longer exists).
func (f *File) StatWriteBack(ctx context.Context, now time.Time) error {
	f.mu.RLock()
	detached := f.detached
	start, size := f.start, f.size
	f.mu.RUnlock()
	if detached {
		return nil
	}

	raw, err := f.io.ReadCluster(ctx, f.entryCluster)
	if err != nil {
		return err
	}
	slotOff := f.entryIndex * layout.EntrySize
	if slotOff+layout.EntrySize > len(raw) {
		return xerror.New("vfile.StatWriteBack", xerror.EINVAL)
	}
	se, err := layout.DecodeShortEntry(raw[slotOff:])
	if err != nil {
		return err
	}
	se.SetClusterID(start)
	se.FileBytes = uint32(size)
	date, hms, _ := layout.DOSTime(now)
	se.ModifyDate, se.ModifyHMS = date, hms

	return f.io.WriteCluster(ctx, f.entryCluster, func(b []byte) {
		se.Encode(b[slotOff : slotOff+layout.EntrySize])
	})
}
