// Package fat32 is the volume-level facade binding layout, block,
// fatlist, inodecache, dirent, vfile, flush, device, and clock together:
// the single entry point an application mounts against. Grounded on the
// fat32 crate's Fat32Manager (manager/mod.rs), adapted to Go's explicit
// Init/spawn lifecycle in place of Rust's async fn new/init.
package fat32

import (
	"context"
	"strings"
	"time"

	"fat32fs.dev/pkg/block"
	"fat32fs.dev/pkg/clock"
	"fat32fs.dev/pkg/device"
	"fat32fs.dev/pkg/dirent"
	"fat32fs.dev/pkg/fatconfig"
	"fat32fs.dev/pkg/fatlist"
	"fat32fs.dev/pkg/flush"
	"fat32fs.dev/pkg/inodecache"
	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/spawn"
	"fat32fs.dev/pkg/vfile"
	"fat32fs.dev/pkg/xerror"
)

// defaultPollInterval is how often a flush.Scheduler rechecks for new
// dirty entries once it has drained everything currently dirty.
const defaultPollInterval = 50 * time.Millisecond

// Manager is one mounted FAT32 volume: its geometry, caches, allocator,
// inode identity cache, and the directory/file operation surface.
type Manager struct {
	tunables fatconfig.Tunables

	dev   device.BlockDevice
	clock clock.Clock

	bpb       *layout.BPB
	dataCache *block.Cache
	fatCache  *block.Cache
	fat       *fatlist.List
	io        *vfile.ChainIO
	inodes    *inodecache.Cache[any]

	dataSched *flush.Scheduler
	fatSched  *flush.Scheduler
}

// New validates cfg and builds an unmounted Manager. Call Init before
// any other method.
func New(cfg fatconfig.Obj) (*Manager, error) {
	t, err := fatconfig.Parse(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{tunables: t}, nil
}

// Init reads the volume's BPB off dev and wires up every cache and
// allocator the core needs. clk stamps directory entry timestamps.
// The two flush schedulers are built here with a synchronous spawner so
// FlushAll works even for a caller that never calls SpawnSyncTask;
// SpawnSyncTask replaces them with ones bound to a real concurrent
// spawner before launching their background loops.
func (m *Manager) Init(ctx context.Context, dev device.BlockDevice, clk clock.Clock) error {
	bpbBuf := make([]byte, dev.SectorBytes())
	if err := dev.ReadBlock(ctx, dev.SectorBPB(), bpbBuf); err != nil {
		return xerror.Wrap("fat32.Init", xerror.EIO, err)
	}
	bpb, err := layout.Load(bpbBuf)
	if err != nil {
		return err
	}

	m.dev = dev
	m.clock = clk
	m.bpb = bpb

	m.dataCache = block.New(m.tunables.BlockMaxCache, m.tunables.BlockMaxDirty, bpb.ClusterBytes, m.dataFetch)
	m.fatCache = block.New(m.tunables.ListMaxCache, m.tunables.ListMaxDirty, int(bpb.SectorBytes), m.fatFetch)
	m.fat = fatlist.New(m.fatCache, bpb.EntriesPerFatSector(), bpb.DataClusterNum)
	m.io = vfile.NewChainIO(bpb, m.dataCache, m.fat)

	m.inodes = inodecache.New[any](m.tunables.InodeTargetFree)
	m.inodes.SetEvictHook(func(_ inodecache.Key, v any) {
		if f, ok := v.(*vfile.File); ok && f.Detached() {
			_ = f.ReleaseChain(context.Background())
		}
	})

	m.fatSched = flush.New(m.fatCache, m.fatWrite, m.tunables.FatConcurrency, &spawn.Direct{}, defaultPollInterval)
	m.dataSched = flush.New(m.dataCache, m.dataWrite, m.tunables.DataConcurrency, &spawn.Direct{}, defaultPollInterval)

	return nil
}

func (m *Manager) dataFetch(ctx context.Context, key block.Key) ([]byte, error) {
	sid := m.bpb.CIDToSID(layout.CID(key))
	buf := make([]byte, m.bpb.ClusterBytes)
	if err := m.dev.ReadBlock(ctx, uint32(sid), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *Manager) dataWrite(ctx context.Context, key block.Key, data []byte) error {
	sid := m.bpb.CIDToSID(layout.CID(key))
	return m.dev.WriteBlock(ctx, uint32(sid), data)
}

func (m *Manager) fatFetch(ctx context.Context, key block.Key) ([]byte, error) {
	sid := m.bpb.FatCopySectors(uint32(key))[0]
	buf := make([]byte, m.bpb.SectorBytes)
	if err := m.dev.ReadBlock(ctx, uint32(sid), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// fatWrite mirrors a dirty logical FAT sector out to every physical copy.
func (m *Manager) fatWrite(ctx context.Context, key block.Key, data []byte) error {
	for _, sid := range m.bpb.FatCopySectors(uint32(key)) {
		if err := m.dev.WriteBlock(ctx, uint32(sid), data); err != nil {
			return err
		}
	}
	return nil
}

// SpawnSyncTask launches the two background flush loops (FAT sectors,
// data clusters) through spawner, and returns immediately; the loops run
// until ctx is canceled.
func (m *Manager) SpawnSyncTask(ctx context.Context, spawner spawn.Spawner) {
	m.fatSched = flush.New(m.fatCache, m.fatWrite, m.tunables.FatConcurrency, spawner.Clone(), defaultPollInterval)
	m.dataSched = flush.New(m.dataCache, m.dataWrite, m.tunables.DataConcurrency, spawner.Clone(), defaultPollInterval)
	spawner.Spawn(ctx, m.fatSched.Run)
	spawner.Spawn(ctx, m.dataSched.Run)
}

// FlushAll runs one synchronous pass of both flush loops, for callers
// (tests, fsync) that need every dirty buffer durable before returning.
func (m *Manager) FlushAll(ctx context.Context) error {
	if err := m.fatSched.FlushOnce(ctx); err != nil {
		return err
	}
	return m.dataSched.FlushOnce(ctx)
}

// Clock returns the clock the volume stamps directory entries with, for
// callers (e.g. a FUSE adapter) that need "now" in the same timebase.
func (m *Manager) Clock() clock.Clock { return m.clock }

func entryKey(parentStart layout.CID, item *dirent.Item) inodecache.Key {
	return inodecache.Key{
		ParentStart: parentStart,
		Offset:      uint32(item.EntryCluster)<<12 | uint32(item.EntryIndex&0xFFF),
	}
}

// RootDir returns the volume's root directory.
func (m *Manager) RootDir(ctx context.Context) (*vfile.Dir, error) {
	key := inodecache.Key{ParentStart: 0, Offset: inodecache.RootOffset}
	h, err := m.inodes.GetOrInsert(key, func() (any, error) {
		return vfile.NewRootDir(m.io, m.clock, layout.CID(m.bpb.RootClusterID)), nil
	})
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return h.Value.(*vfile.Dir), nil
}

// openDir dedups an already-located subdirectory Item through the inode
// cache, building a *vfile.Dir the first time it's seen.
func (m *Manager) openDir(parentStart layout.CID, item *dirent.Item) (*vfile.Dir, error) {
	h, err := m.inodes.GetOrInsert(entryKey(parentStart, item), func() (any, error) {
		return vfile.NewDir(m.io, m.clock, parentStart, item), nil
	})
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return h.Value.(*vfile.Dir), nil
}

// OpenFile is a live handle on an open regular file. Close must be
// called exactly once when the caller is done; it is what allows a
// concurrently deleted file's cluster chain to finally be reclaimed.
type OpenFile struct {
	*vfile.File
	handle *inodecache.Handle[any]
}

// Close releases the inode cache handle backing f. Once every OpenFile
// for a detached file has been closed, the file's chain is freed by the
// eager-reclamation eviction hook installed in Init.
func (f *OpenFile) Close() { f.handle.Release() }

// openFile dedups an already-located file Item through the inode cache.
func (m *Manager) openFile(parentStart layout.CID, item *dirent.Item) (*OpenFile, error) {
	h, err := m.inodes.GetOrInsert(entryKey(parentStart, item), func() (any, error) {
		return vfile.NewFileFromItem(m.io, parentStart, item), nil
	})
	if err != nil {
		return nil, err
	}
	return &OpenFile{File: h.Value.(*vfile.File), handle: h}, nil
}

// SearchDir resolves a "/"-separated path to the directory it names.
func (m *Manager) SearchDir(ctx context.Context, path string) (*vfile.Dir, error) {
	cur, err := m.RootDir(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range splitPath(path) {
		item, err := cur.Search(ctx, name)
		if err != nil {
			return nil, err
		}
		if !item.IsDir() {
			return nil, xerror.New("fat32.SearchDir", xerror.ENOTDIR)
		}
		cur, err = m.openDir(cur.StartCID(), item)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// SearchFile resolves a "/"-separated path to an open regular file
// handle. The caller must Close it when done.
func (m *Manager) SearchFile(ctx context.Context, path string) (*OpenFile, error) {
	dirPath, name, err := splitParent(path)
	if err != nil {
		return nil, err
	}
	dir, err := m.SearchDir(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	item, err := dir.Search(ctx, name)
	if err != nil {
		return nil, err
	}
	if item.IsDir() {
		return nil, xerror.New("fat32.SearchFile", xerror.EISDIR)
	}
	return m.openFile(dir.StartCID(), item)
}

// SearchAny resolves path to either a *vfile.Dir or an *OpenFile.
func (m *Manager) SearchAny(ctx context.Context, path string) (interface{}, error) {
	dirPath, name, err := splitParent(path)
	if err != nil {
		// path is "" or "/": the root itself.
		root, rerr := m.RootDir(ctx)
		if rerr != nil {
			return nil, rerr
		}
		return root, nil
	}
	dir, err := m.SearchDir(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	item, err := dir.Search(ctx, name)
	if err != nil {
		return nil, err
	}
	if item.IsDir() {
		return m.openDir(dir.StartCID(), item)
	}
	return m.openFile(dir.StartCID(), item)
}

// CreateFile creates a new empty regular file at path.
func (m *Manager) CreateFile(ctx context.Context, path string) (*OpenFile, error) {
	dirPath, name, err := splitParent(path)
	if err != nil {
		return nil, xerror.New("fat32.CreateFile", xerror.EINVAL)
	}
	dir, err := m.SearchDir(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	item, err := dir.CreateFile(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.openFile(dir.StartCID(), item)
}

// CreateDir creates a new subdirectory at path.
func (m *Manager) CreateDir(ctx context.Context, path string) (*vfile.Dir, error) {
	dirPath, name, err := splitParent(path)
	if err != nil {
		return nil, xerror.New("fat32.CreateDir", xerror.EINVAL)
	}
	dir, err := m.SearchDir(ctx, dirPath)
	if err != nil {
		return nil, err
	}
	item, err := dir.CreateDir(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.openDir(dir.StartCID(), item)
}

// DeleteFile removes a regular file. If the inode cache still tracks an
// identity for it (open elsewhere, or released but still in the cache's
// recency window), its chain is not freed immediately: the entry is
// unlinked and that File is marked detached, and the chain is freed when
// the cache evicts the identity.
func (m *Manager) DeleteFile(ctx context.Context, path string) error {
	dirPath, name, err := splitParent(path)
	if err != nil {
		return xerror.New("fat32.DeleteFile", xerror.EINVAL)
	}
	dir, err := m.SearchDir(ctx, dirPath)
	if err != nil {
		return err
	}
	item, err := dir.Search(ctx, name)
	if err != nil {
		return err
	}
	if item.IsDir() {
		return xerror.New("fat32.DeleteFile", xerror.EISDIR)
	}
	return m.unlink(ctx, dir, name, item)
}

// DeleteDir removes an empty subdirectory.
func (m *Manager) DeleteDir(ctx context.Context, path string) error {
	dirPath, name, err := splitParent(path)
	if err != nil {
		return xerror.New("fat32.DeleteDir", xerror.EINVAL)
	}
	dir, err := m.SearchDir(ctx, dirPath)
	if err != nil {
		return err
	}
	item, err := dir.Search(ctx, name)
	if err != nil {
		return err
	}
	if !item.IsDir() {
		return xerror.New("fat32.DeleteDir", xerror.ENOTDIR)
	}
	return m.unlink(ctx, dir, name, item)
}

// DeleteAny removes a file or an empty subdirectory at path.
func (m *Manager) DeleteAny(ctx context.Context, path string) error {
	dirPath, name, err := splitParent(path)
	if err != nil {
		return xerror.New("fat32.DeleteAny", xerror.EINVAL)
	}
	dir, err := m.SearchDir(ctx, dirPath)
	if err != nil {
		return err
	}
	item, err := dir.Search(ctx, name)
	if err != nil {
		return err
	}
	return m.unlink(ctx, dir, name, item)
}

// Rename moves or renames the file or directory at oldPath to newPath,
// rekeying its inode cache identity (if it is currently open) so handles
// acquired before and after the rename still observe the same in-memory
// object. See vfile.Dir.Rename for the underlying entry rewrite.
func (m *Manager) Rename(ctx context.Context, oldPath, newPath string) error {
	oldDirPath, oldName, err := splitParent(oldPath)
	if err != nil {
		return xerror.New("fat32.Rename", xerror.EINVAL)
	}
	newDirPath, newName, err := splitParent(newPath)
	if err != nil {
		return xerror.New("fat32.Rename", xerror.EINVAL)
	}
	srcDir, err := m.SearchDir(ctx, oldDirPath)
	if err != nil {
		return err
	}
	dstDir, err := m.SearchDir(ctx, newDirPath)
	if err != nil {
		return err
	}
	item, err := srcDir.Search(ctx, oldName)
	if err != nil {
		return err
	}
	oldKey := entryKey(srcDir.StartCID(), item)

	if err := srcDir.Rename(ctx, oldName, dstDir, newName); err != nil {
		return err
	}

	newItem, err := dstDir.Search(ctx, newName)
	if err != nil {
		return err
	}
	m.inodes.Rekey(oldKey, entryKey(dstDir.StartCID(), newItem))
	return nil
}

// unlink removes name's directory entry and either frees its cluster
// chain immediately or, if an inode cache identity for it is still
// tracked (open elsewhere or in the recency window), marks that File
// detached so the free is deferred until the cache evicts it.
func (m *Manager) unlink(ctx context.Context, dir *vfile.Dir, name string, item *dirent.Item) error {
	key := entryKey(dir.StartCID(), item)
	removed, err := dir.Unlink(ctx, name)
	if err != nil {
		return err
	}
	if removed.StartCID == 0 {
		return nil
	}
	if v, ok := m.inodes.Peek(key); ok {
		if f, ok := v.(*vfile.File); ok {
			f.Detach()
			return nil
		}
	}
	return m.io.FreeChain(ctx, removed.StartCID)
}

// splitParent splits a "/"-separated path into its containing directory
// path and final component. Returns an error for "" or "/" (the root has
// no parent).
func splitParent(path string) (dirPath, name string, err error) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return "", "", xerror.New("fat32.splitParent", xerror.EINVAL)
	}
	return strings.Join(comps[:len(comps)-1], "/"), comps[len(comps)-1], nil
}

// splitPath splits a "/"-separated path into its non-empty components.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
