package vfile

import (
	"context"
	"time"

	"fat32fs.dev/pkg/clock"
	"fat32fs.dev/pkg/dirent"
	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// Dir is the open-directory inode: its own cluster chain (so it can list
// and mutate its children) plus enough location information to rewrite
// its own directory entry in its parent. Grounded on the directory-walk
// and mkdir/rmdir logic in the fat32 crate's manager/mod.rs.
type Dir struct {
	io    *ChainIO
	clock clock.Clock

	start        layout.CID
	parentStart  layout.CID
	entryCluster layout.CID
	entryIndex   int
	isRoot       bool
}

// NewRootDir wraps the volume's root directory, which has no parent entry
// of its own to rewrite.
func NewRootDir(io *ChainIO, clk clock.Clock, rootCID layout.CID) *Dir {
	return &Dir{io: io, clock: clk, start: rootCID, isRoot: true}
}

// NewDir wraps an existing subdirectory entry as an open directory.
func NewDir(io *ChainIO, clk clock.Clock, parentStart layout.CID, item *dirent.Item) *Dir {
	return &Dir{
		io:           io,
		clock:        clk,
		start:        item.StartCID,
		parentStart:  parentStart,
		entryCluster: item.EntryCluster,
		entryIndex:   item.EntryIndex,
	}
}

// StartCID is this directory's own first cluster, used as the parent
// cluster id for its children's inode-cache keys.
func (d *Dir) StartCID() layout.CID { return d.start }

// List returns every live (non "."/"..") entry in the directory.
func (d *Dir) List(ctx context.Context) ([]dirent.Item, error) {
	items, err := dirent.Scan(ctx, d.io, d.start)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.ShortName == "." || it.ShortName == ".." {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Search finds one named child, or returns ENOENT.
func (d *Dir) Search(ctx context.Context, name string) (*dirent.Item, error) {
	if name == "." {
		return &dirent.Item{ShortName: ".", Attrs: layout.AttrDirectory, StartCID: d.start}, nil
	}
	it, err := dirent.Find(ctx, d.io, d.start, name)
	if err != nil {
		return nil, err
	}
	return it, nil
}

// CreateFile adds a new, empty regular-file entry named name.
func (d *Dir) CreateFile(ctx context.Context, name string) (*dirent.Item, error) {
	now := d.clock.Now()
	return dirent.Create(ctx, d.io, d.start, name, 0, 0, 0, now)
}

// CreateDir adds a new subdirectory named name, pre-populated with "."
// and ".." entries pointing at itself and this directory respectively.
func (d *Dir) CreateDir(ctx context.Context, name string) (*dirent.Item, error) {
	now := d.clock.Now()
	childCID, err := d.io.AllocChain(ctx, 1)
	if err != nil {
		return nil, err
	}
	if err := d.writeDotEntries(ctx, childCID, d.start, now); err != nil {
		return nil, err
	}
	item, err := dirent.Create(ctx, d.io, d.start, name, layout.AttrDirectory, childCID, 0, now)
	if err != nil {
		_ = d.io.FreeChain(ctx, childCID)
		return nil, err
	}
	return item, nil
}

// writeDotEntries writes the "." and ".." short entries into a freshly
// allocated, still-zeroed directory cluster.
func (d *Dir) writeDotEntries(ctx context.Context, self, parent layout.CID, now time.Time) error {
	date, hms, ms := layout.DOSTime(now)
	mk := func(raw11 [11]byte, cid layout.CID) layout.ShortEntry {
		se := layout.ShortEntry{
			Attributes: layout.AttrDirectory,
			CreateMS:   ms, CreateHMS: hms, CreateDate: date,
			AccessDate: date, ModifyHMS: hms, ModifyDate: date,
		}
		copy(se.Name[:], raw11[:8])
		copy(se.Ext[:], raw11[8:])
		se.SetClusterID(cid)
		return se
	}
	dotName := [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotdotName := [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dot := mk(dotName, self)
	dotdot := mk(dotdotName, parent)
	return d.io.WriteCluster(ctx, self, func(b []byte) {
		dot.Encode(b[0:layout.EntrySize])
		dotdot.Encode(b[layout.EntrySize : 2*layout.EntrySize])
	})
}

// Unlink removes a named child's directory entry without freeing its
// cluster chain, and returns the removed Item so the caller can decide
// what happens to the chain: free it immediately (the common case) or,
// if an inode cache identity for it is still tracked, mark that File
// detached and defer the free until the cache evicts the identity.
// Removing a subdirectory requires it to contain no entries besides "."
// and "..".
func (d *Dir) Unlink(ctx context.Context, name string) (*dirent.Item, error) {
	item, err := dirent.Find(ctx, d.io, d.start, name)
	if err != nil {
		return nil, err
	}
	if item.IsDir() {
		children, err := dirent.Scan(ctx, d.io, item.StartCID)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.ShortName != "." && c.ShortName != ".." {
				return nil, xerror.New("vfile.Unlink", xerror.ENOTEMPTY)
			}
		}
	}
	if err := dirent.Delete(ctx, d.io, d.start, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes a named child and immediately frees its cluster chain.
// Callers that must coordinate with an open File handle for the same
// entry use Unlink plus File.Detach/ReleaseChain instead.
func (d *Dir) Delete(ctx context.Context, name string) error {
	item, err := d.Unlink(ctx, name)
	if err != nil {
		return err
	}
	if item.StartCID != 0 {
		return d.io.FreeChain(ctx, item.StartCID)
	}
	return nil
}

// Rename moves or renames a child. Whether or not dst is the same
// directory, it creates the new entry in dst and then deletes the old one
// from d; this is not atomic with respect to a crash between the two
// steps (see design notes on rename).
func (d *Dir) Rename(ctx context.Context, oldName string, dst *Dir, newName string) error {
	item, err := dirent.Find(ctx, d.io, d.start, oldName)
	if err != nil {
		return err
	}
	if _, err := dirent.Find(ctx, dst.io, dst.start, newName); err == nil {
		return xerror.New("vfile.Rename", xerror.EEXIST)
	} else if !xerror.Is(err, xerror.ENOENT) {
		return err
	}

	now := d.clock.Now()
	newItem, err := dirent.Create(ctx, dst.io, dst.start, newName, item.Attrs, item.StartCID, item.Size, now)
	if err != nil {
		return err
	}
	if item.IsDir() && item.StartCID != 0 {
		if err := dst.fixupDotDot(ctx, item.StartCID, dst.start, now); err != nil {
			_ = dirent.Delete(ctx, dst.io, dst.start, newItem)
			return err
		}
	}
	if err := dirent.Delete(ctx, d.io, d.start, item); err != nil {
		return err
	}
	return nil
}

// fixupDotDot rewrites a moved subdirectory's ".." entry to point at its
// new parent.
func (d *Dir) fixupDotDot(ctx context.Context, childStart, newParent layout.CID, now time.Time) error {
	raw, err := d.io.ReadCluster(ctx, childStart)
	if err != nil {
		return err
	}
	se, err := layout.DecodeShortEntry(raw[layout.EntrySize : 2*layout.EntrySize])
	if err != nil {
		return err
	}
	se.SetClusterID(newParent)
	date, hms, _ := layout.DOSTime(now)
	se.ModifyDate, se.ModifyHMS = date, hms
	return d.io.WriteCluster(ctx, childStart, func(b []byte) {
		se.Encode(b[layout.EntrySize : 2*layout.EntrySize])
	})
}
