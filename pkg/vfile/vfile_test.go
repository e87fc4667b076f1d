package vfile

import (
	"context"
	"sync"
	"testing"

	"time"

	"fat32fs.dev/pkg/block"
	"fat32fs.dev/pkg/clock"
	"fat32fs.dev/pkg/fatlist"
	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// memRegion simulates an addressable region of sectors or clusters in
// memory, so a block.Cache's Fetch can load on miss.
type memRegion struct {
	mu      sync.Mutex
	units   map[block.Key][]byte
	unitLen int
}

func newMemRegion(unitLen, count int) *memRegion {
	m := &memRegion{units: make(map[block.Key][]byte), unitLen: unitLen}
	for i := 0; i < count; i++ {
		m.units[block.Key(i)] = make([]byte, unitLen)
	}
	return m
}

func (m *memRegion) fetch(ctx context.Context, key block.Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[key]
	if !ok {
		return nil, xerror.New("memRegion.fetch", xerror.EIO)
	}
	cp := make([]byte, len(u))
	copy(cp, u)
	return cp, nil
}

// testVolume wires a small in-memory ChainIO: 512-byte sectors, 1
// sector/cluster, 1 FAT copy, 98 data clusters.
type testVolume struct {
	bpb *layout.BPB
	io  *ChainIO
	clk *clock.Fake
}

func newTestVolume(t *testing.T) *testVolume {
	t.Helper()
	const sectorBytes = 512
	raw := make([]byte, sectorBytes)
	off := 0x0B
	putU16 := func(v uint16) {
		raw[off], raw[off+1] = byte(v), byte(v>>8)
		off += 2
	}
	putU32 := func(v uint32) {
		raw[off] = byte(v)
		raw[off+1] = byte(v >> 8)
		raw[off+2] = byte(v >> 16)
		raw[off+3] = byte(v >> 24)
		off += 4
	}
	putU16(sectorBytes) // bytes per sector
	raw[off] = 1         // sectors per cluster
	off++
	putU16(1) // reserved sectors
	raw[off] = 1 // fat count
	off++
	off += 2 + 2 + 1 + 2 + 2 + 2
	putU32(0)   // hidden sectors
	putU32(100) // total sectors
	putU32(1)   // sectors per fat
	off += 2 + 2
	putU32(2) // root cluster id

	bpb, err := layout.Load(raw)
	if err != nil {
		t.Fatalf("layout.Load: %v", err)
	}

	fatRegion := newMemRegion(sectorBytes, int(bpb.SectorPerFat))
	fatCache := block.New(16, 16, sectorBytes, fatRegion.fetch)
	fat := fatlist.New(fatCache, bpb.EntriesPerFatSector(), bpb.DataClusterNum)

	dataRegion := newMemRegion(bpb.ClusterBytes, bpb.DataClusterNum+2)
	dataCache := block.New(32, 32, bpb.ClusterBytes, dataRegion.fetch)

	io := NewChainIO(bpb, dataCache, fat)

	// Allocate the root directory's own chain at cluster 2 up front, the
	// way a formatted volume already has it before it is mounted.
	if _, err := fat.InitChain(context.Background(), 1); err != nil {
		t.Fatalf("InitChain root: %v", err)
	}

	return &testVolume{bpb: bpb, io: io, clk: clock.NewFake(time.Unix(1_700_000_000, 0))}
}

func (v *testVolume) rootDir() *Dir {
	return NewRootDir(v.io, v.clk, layout.CID(v.bpb.RootClusterID))
}

func TestCreateFileAndWriteRead(t *testing.T) {
	ctx := context.Background()
	vol := newTestVolume(t)
	root := vol.rootDir()

	item, err := root.CreateFile(ctx, "HELLO.TXT")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	f := NewFileFromItem(vol.io, root.start, item)

	payload := []byte("hello, fat32")
	n, err := f.WriteAt(ctx, payload, 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("WriteAt n = %d, want %d", n, len(payload))
	}
	if f.Size() != int64(len(payload)) {
		t.Fatalf("Size = %d, want %d", f.Size(), len(payload))
	}

	got := make([]byte, len(payload))
	n, err = f.ReadAt(ctx, got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(payload) || string(got) != string(payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}

	if err := f.StatWriteBack(ctx, vol.clk.Now()); err != nil {
		t.Fatalf("StatWriteBack: %v", err)
	}
	found, err := root.Search(ctx, "HELLO.TXT")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found.Size != uint32(len(payload)) {
		t.Fatalf("directory entry size = %d, want %d", found.Size, len(payload))
	}
}

func TestWriteAtSpansMultipleClusters(t *testing.T) {
	ctx := context.Background()
	vol := newTestVolume(t)
	root := vol.rootDir()

	item, err := root.CreateFile(ctx, "BIG.BIN")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	f := NewFileFromItem(vol.io, root.start, item)

	size := vol.bpb.ClusterBytes*2 + 10
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := f.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, size)
	if _, err := f.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}
}

func TestResizeShrinkFreesClusters(t *testing.T) {
	ctx := context.Background()
	vol := newTestVolume(t)
	root := vol.rootDir()

	item, err := root.CreateFile(ctx, "SHRINK.BIN")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	f := NewFileFromItem(vol.io, root.start, item)

	size := int64(vol.bpb.ClusterBytes * 3)
	if err := f.Resize(ctx, size); err != nil {
		t.Fatalf("Resize grow: %v", err)
	}
	if err := f.Resize(ctx, 1); err != nil {
		t.Fatalf("Resize shrink: %v", err)
	}
	status, _, err := vol.io.fat.Next(ctx, f.start)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != layout.ClLast {
		t.Fatalf("surviving cluster should now be Last, got %v", status)
	}
}

func TestCreateDirAndNestedOperations(t *testing.T) {
	ctx := context.Background()
	vol := newTestVolume(t)
	root := vol.rootDir()

	item, err := root.CreateDir(ctx, "SUBDIR")
	if err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	sub := NewDir(vol.io, vol.clk, root.start, item)

	children, err := sub.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("fresh subdirectory should list empty, got %d entries", len(children))
	}

	if _, err := sub.CreateFile(ctx, "A.TXT"); err != nil {
		t.Fatalf("CreateFile in subdir: %v", err)
	}
	if err := root.Delete(ctx, "SUBDIR"); err == nil {
		t.Fatal("expected ENOTEMPTY deleting non-empty subdirectory")
	} else if !xerror.Is(err, xerror.ENOTEMPTY) {
		t.Fatalf("expected ENOTEMPTY, got %v", err)
	}

	if err := sub.Delete(ctx, "A.TXT"); err != nil {
		t.Fatalf("Delete child: %v", err)
	}
	if err := root.Delete(ctx, "SUBDIR"); err != nil {
		t.Fatalf("Delete empty subdir: %v", err)
	}
}

func TestRenameAcrossDirectories(t *testing.T) {
	ctx := context.Background()
	vol := newTestVolume(t)
	root := vol.rootDir()

	dirItem, err := root.CreateDir(ctx, "DEST")
	if err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	dest := NewDir(vol.io, vol.clk, root.start, dirItem)

	if _, err := root.CreateFile(ctx, "SRC.TXT"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if err := root.Rename(ctx, "SRC.TXT", dest, "MOVED.TXT"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := root.Search(ctx, "SRC.TXT"); !xerror.Is(err, xerror.ENOENT) {
		t.Fatalf("old name should be gone, got err=%v", err)
	}
	if _, err := dest.Search(ctx, "MOVED.TXT"); err != nil {
		t.Fatalf("new name should exist in dest: %v", err)
	}
}

func TestFileDetachReleaseChain(t *testing.T) {
	ctx := context.Background()
	vol := newTestVolume(t)
	root := vol.rootDir()

	item, err := root.CreateFile(ctx, "DEL.TXT")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	f := NewFileFromItem(vol.io, root.start, item)
	if _, err := f.WriteAt(ctx, []byte("data"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := root.Unlink(ctx, "DEL.TXT"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	f.Detach()
	if !f.Detached() {
		t.Fatal("Detached() should report true after Detach()")
	}
	if err := f.ReleaseChain(ctx); err != nil {
		t.Fatalf("ReleaseChain: %v", err)
	}
	if err := f.StatWriteBack(ctx, vol.clk.Now()); err != nil {
		t.Fatalf("StatWriteBack on detached file should be a no-op, got %v", err)
	}
}
