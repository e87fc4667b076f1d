// Package vfile implements the File and Dir inode operations of the
// fat32 core: read/write/resize/detach for files, and search/create/
// list/delete/rename for directories. It binds pkg/block, pkg/fatlist,
// and pkg/dirent together behind the dirent.ClusterIO interface.
//
// Grounded on the fat32 crate's manager/file.rs (Fat32Inode) and the
// directory operations in manager/mod.rs; the locking discipline around
// a directory's mutable state follows pkg/fs/mut.go's mutDir.
package vfile

import (
	"context"

	"fat32fs.dev/pkg/block"
	"fat32fs.dev/pkg/dirent"
	"fat32fs.dev/pkg/fatlist"
	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// ChainIO implements dirent.ClusterIO over a real block cache and FAT
// list, and additionally exposes the byte-range read/write File needs
// (dirent only ever touches whole clusters; File needs sub-cluster
// offsets).
type ChainIO struct {
	bpb   *layout.BPB
	cache *block.Cache // data cache; keyed by block.Key(cid)
	fat   *fatlist.List
}

// NewChainIO builds a ChainIO over bpb's geometry, a data cache whose
// Fetch reads whole clusters from the device, and the volume's FAT list.
func NewChainIO(bpb *layout.BPB, cache *block.Cache, fat *fatlist.List) *ChainIO {
	return &ChainIO{bpb: bpb, cache: cache, fat: fat}
}

var _ dirent.ClusterIO = (*ChainIO)(nil)

func (c *ChainIO) ClusterBytes() int { return c.bpb.ClusterBytes }

// Terminate marks cid as the new end of its chain, for Resize's shrink path.
func (c *ChainIO) Terminate(ctx context.Context, cid layout.CID) error {
	return c.fat.Terminate(ctx, cid)
}

func (c *ChainIO) ReadCluster(ctx context.Context, cid layout.CID) ([]byte, error) {
	e, err := c.cache.GetBlock(ctx, block.Key(cid))
	if err != nil {
		return nil, err
	}
	out := make([]byte, c.bpb.ClusterBytes)
	e.Read(func(b []byte) { copy(out, b) })
	return out, nil
}

func (c *ChainIO) WriteCluster(ctx context.Context, cid layout.CID, fn func([]byte)) error {
	e, err := c.cache.GetBlock(ctx, block.Key(cid))
	if err != nil {
		return err
	}
	return c.cache.Write(ctx, block.Key(cid), e, fn)
}

func (c *ChainIO) NextCluster(ctx context.Context, cid layout.CID) (layout.CID, bool, error) {
	status, next, err := c.fat.Next(ctx, cid)
	if err != nil {
		return 0, false, err
	}
	return next, status == layout.ClNext, nil
}

func (c *ChainIO) AppendCluster(ctx context.Context, prev layout.CID) (layout.CID, error) {
	next, err := c.fat.Append(ctx, prev)
	if err != nil {
		return 0, err
	}
	if _, err := c.cache.GetBlockInit(ctx, block.Key(next), func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	}); err != nil {
		return 0, err
	}
	return next, nil
}

// AllocChain allocates a fresh count-cluster chain (used when creating a
// new directory's initial "."/".." content, or pre-sizing a file).
func (c *ChainIO) AllocChain(ctx context.Context, count int) (layout.CID, error) {
	start, err := c.fat.InitChain(ctx, count)
	if err != nil {
		return 0, err
	}
	cur := start
	for {
		if _, err := c.cache.GetBlockInit(ctx, block.Key(cur), func(b []byte) {
			for i := range b {
				b[i] = 0
			}
		}); err != nil {
			return 0, err
		}
		next, ok, err := c.NextCluster(ctx, cur)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		cur = next
	}
	return start, nil
}

// FreeChain releases every cluster in the chain starting at start and
// drops them from the data cache.
func (c *ChainIO) FreeChain(ctx context.Context, start layout.CID) error {
	cur := start
	var toRelease []layout.CID
	for {
		status, next, err := c.fat.Next(ctx, cur)
		if err != nil {
			return err
		}
		toRelease = append(toRelease, cur)
		if status != layout.ClNext {
			break
		}
		cur = next
	}
	if err := c.fat.FreeChain(ctx, start); err != nil {
		return err
	}
	for _, cid := range toRelease {
		c.cache.ReleaseBlock(block.Key(cid))
	}
	return nil
}

// clusterCount returns how many clusters a size-byte file occupies (at
// least 1 once size > 0, 0 for an empty file).
func (c *ChainIO) clusterCount(size int64) int {
	if size <= 0 {
		return 0
	}
	n := size / int64(c.bpb.ClusterBytes)
	if size%int64(c.bpb.ClusterBytes) != 0 {
		n++
	}
	return int(n)
}

// walk advances idx clusters from start, reading each via NextCluster.
func (c *ChainIO) walk(ctx context.Context, start layout.CID, idx int64) (layout.CID, error) {
	cur := start
	for i := int64(0); i < idx; i++ {
		next, ok, err := c.NextCluster(ctx, cur)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, xerror.New("vfile.walk", xerror.EINVAL)
		}
		cur = next
	}
	return cur, nil
}
