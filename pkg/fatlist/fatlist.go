// Package fatlist implements the in-memory File Allocation Table: cluster
// chain traversal, allocation, and release, backed by a sector-granular
// block.Cache so individual FAT sectors can be read, dirtied, and flushed
// independently. Grounded on the fat32 crate's fat_list.rs/unit.rs/index.rs
// (the per-sector cache) and on block/mod.rs's allocation discipline.
package fatlist

import (
	"context"
	"encoding/binary"
	"sync"

	"fat32fs.dev/pkg/block"
	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// List is the cluster allocator and chain walker for one FAT32 volume.
// It tracks only the logical FAT (one copy's worth of slots); mirroring a
// dirty logical sector out to every physical copy is the flush loop's job
// (see pkg/flush and layout.BPB.FatCopySectors).
type List struct {
	cache            *block.Cache
	entriesPerSector int
	clusterCount     int // total addressable data clusters; cid values >= this are out of range

	mu         sync.Mutex
	free       []layout.CID // cheaply known free clusters, LIFO
	scanCursor layout.CID   // next cluster to consider when free runs dry
}

// New builds a List over cache, which must have been constructed with a
// Fetch that reads FAT sectors and a unit size equal to one sector.
// entriesPerSector is bpb.EntriesPerFatSector(); clusterCount is
// bpb.DataClusterNum.
func New(cache *block.Cache, entriesPerSector, clusterCount int) *List {
	return &List{
		cache:            cache,
		entriesPerSector: entriesPerSector,
		clusterCount:     clusterCount,
		scanCursor:       2, // cluster 0 and 1 are never data clusters
	}
}

func (l *List) slot(cid layout.CID) (sector block.Key, index int) {
	n := uint32(cid)
	return block.Key(int(n) / l.entriesPerSector), int(n) % l.entriesPerSector
}

func (l *List) readSlot(ctx context.Context, cid layout.CID) (layout.CID, error) {
	sector, index := l.slot(cid)
	entry, err := l.cache.GetBlock(ctx, sector)
	if err != nil {
		return 0, err
	}
	var raw uint32
	entry.Read(func(b []byte) {
		raw = binary.LittleEndian.Uint32(b[index*4:]) & 0x0FFFFFFF
	})
	return layout.CID(raw), nil
}

func (l *List) writeSlot(ctx context.Context, cid layout.CID, value layout.CID) error {
	sector, index := l.slot(cid)
	entry, err := l.cache.GetBlock(ctx, sector)
	if err != nil {
		return err
	}
	return l.cache.Write(ctx, sector, entry, func(b []byte) {
		binary.LittleEndian.PutUint32(b[index*4:], uint32(value)&0x0FFFFFFF)
	})
}

// Next returns the status of cid's slot and, if it chains onward, the
// following cluster id.
func (l *List) Next(ctx context.Context, cid layout.CID) (layout.ClStatus, layout.CID, error) {
	v, err := l.readSlot(ctx, cid)
	if err != nil {
		return 0, 0, err
	}
	status := v.Status()
	if status == layout.ClNext {
		return status, v, nil
	}
	return status, 0, nil
}

// AllocFree finds a free cluster, marks it Last, and returns it. Returns
// ENOSPC if the volume is full.
func (l *List) AllocFree(ctx context.Context) (layout.CID, error) {
	cid, err := l.takeFreeCandidate(ctx)
	if err != nil {
		return 0, err
	}
	if err := l.writeSlot(ctx, cid, layout.LastMarker); err != nil {
		return 0, err
	}
	return cid, nil
}

// takeFreeCandidate pops a known-free cluster or scans forward for one,
// verifying each candidate is genuinely free before returning it (the
// in-memory free list is a hint, not a source of truth).
func (l *List) takeFreeCandidate(ctx context.Context) (layout.CID, error) {
	for {
		l.mu.Lock()
		if n := len(l.free); n > 0 {
			cid := l.free[n-1]
			l.free = l.free[:n-1]
			l.mu.Unlock()
			v, err := l.readSlot(ctx, cid)
			if err != nil {
				return 0, err
			}
			if v.Status() == layout.ClFree {
				return cid, nil
			}
			continue
		}
		cursor := l.scanCursor
		l.mu.Unlock()

		if int(cursor) >= l.clusterCount+2 {
			return 0, xerror.New("fatlist.AllocFree", xerror.ENOSPC)
		}
		v, err := l.readSlot(ctx, cursor)
		if err != nil {
			return 0, err
		}
		l.mu.Lock()
		if cursor == l.scanCursor {
			l.scanCursor = cursor + 1
		}
		l.mu.Unlock()
		if v.Status() == layout.ClFree {
			return cursor, nil
		}
	}
}

// Append allocates a free cluster and links it after prev, which must
// currently be the last cluster of its chain. Returns the new cluster id.
func (l *List) Append(ctx context.Context, prev layout.CID) (layout.CID, error) {
	next, err := l.AllocFree(ctx)
	if err != nil {
		return 0, err
	}
	if err := l.writeSlot(ctx, prev, next); err != nil {
		return 0, err
	}
	return next, nil
}

// FreeChain walks the chain starting at start, marking every cluster Free
// and returning it to the free-list cache.
func (l *List) FreeChain(ctx context.Context, start layout.CID) error {
	cur := start
	for {
		status, next, err := l.Next(ctx, cur)
		if err != nil {
			return err
		}
		if err := l.writeSlot(ctx, cur, 0); err != nil {
			return err
		}
		l.mu.Lock()
		l.free = append(l.free, cur)
		l.mu.Unlock()
		if status != layout.ClNext {
			return nil
		}
		cur = next
	}
}

// Terminate marks cid as the last cluster of its chain, without touching
// whatever it used to point to. Used by Resize when shrinking a file: the
// caller is responsible for freeing the remainder of the old chain
// separately.
func (l *List) Terminate(ctx context.Context, cid layout.CID) error {
	return l.writeSlot(ctx, cid, layout.LastMarker)
}

// InitChain allocates count fresh clusters, links them into a chain, and
// returns the start cluster id. Used when creating a new file or
// directory's initial content. count must be >= 1.
func (l *List) InitChain(ctx context.Context, count int) (layout.CID, error) {
	if count < 1 {
		return 0, xerror.New("fatlist.InitChain", xerror.EINVAL)
	}
	start, err := l.AllocFree(ctx)
	if err != nil {
		return 0, err
	}
	cur := start
	for i := 1; i < count; i++ {
		cur, err = l.Append(ctx, cur)
		if err != nil {
			return 0, err
		}
	}
	return start, nil
}
