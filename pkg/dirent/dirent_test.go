package dirent

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// fakeIO is a minimal in-memory ClusterIO for exercising the directory
// engine without the real cache/FAT stack.
type fakeIO struct {
	mu           sync.Mutex
	clusterBytes int
	clusters     map[layout.CID][]byte
	next         map[layout.CID]layout.CID
	nextCID      layout.CID
}

func newFakeIO(clusterBytes int) *fakeIO {
	return &fakeIO{
		clusterBytes: clusterBytes,
		clusters:     make(map[layout.CID][]byte),
		next:         make(map[layout.CID]layout.CID),
		nextCID:      2,
	}
}

func (f *fakeIO) ClusterBytes() int { return f.clusterBytes }

func (f *fakeIO) newCluster() layout.CID {
	cid := f.nextCID
	f.nextCID++
	f.clusters[cid] = make([]byte, f.clusterBytes)
	return cid
}

func (f *fakeIO) ReadCluster(ctx context.Context, cid layout.CID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.clusters[cid]
	if !ok {
		return nil, xerror.New("fakeIO.ReadCluster", xerror.EIO)
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return cp, nil
}

func (f *fakeIO) WriteCluster(ctx context.Context, cid layout.CID, fn func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.clusters[cid]
	if !ok {
		return xerror.New("fakeIO.WriteCluster", xerror.EIO)
	}
	fn(raw)
	return nil
}

func (f *fakeIO) NextCluster(ctx context.Context, cid layout.CID) (layout.CID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.next[cid]
	return n, ok, nil
}

func (f *fakeIO) AppendCluster(ctx context.Context, prev layout.CID) (layout.CID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cid := f.newCluster()
	f.next[prev] = cid
	return cid, nil
}

func (f *fakeIO) rootStart() layout.CID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newCluster()
}

func TestCreateAndFindShortNameOnly(t *testing.T) {
	ctx := context.Background()
	io := newFakeIO(512)
	root := io.rootStart()

	item, err := Create(ctx, io, root, "ABC.TXT", layout.AttrArchive, 0, 0, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if item.LongName != "" {
		t.Fatalf("pure 8.3 name should not need a long-name run, got %q", item.LongName)
	}

	found, err := Find(ctx, io, root, "abc.txt")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.ShortName != "ABC.TXT" {
		t.Fatalf("ShortName = %q, want ABC.TXT", found.ShortName)
	}
}

// TestCreateLowercaseFitsWithoutLongName exercises the NT-reserved
// case-adjustment bits: an all-lowercase name that otherwise fits in 8.3
// should round-trip through a pure short entry (no long-name run burned
// just to carry case) and still read back in its original case.
func TestCreateLowercaseFitsWithoutLongName(t *testing.T) {
	ctx := context.Background()
	io := newFakeIO(512)
	root := io.rootStart()

	item, err := Create(ctx, io, root, "abc.txt", 0, 0, 0, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if item.LongName != "" {
		t.Fatalf("lowercase 8.3-fitting name should not need a long-name run, got %q", item.LongName)
	}
	if item.ShortName != "abc.txt" {
		t.Fatalf("ShortName = %q, want abc.txt", item.ShortName)
	}

	found, err := Find(ctx, io, root, "ABC.TXT")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.ShortName != "abc.txt" {
		t.Fatalf("ShortName after rescan = %q, want abc.txt", found.ShortName)
	}
}

// TestCreateMixedCaseBaseNeedsLongName confirms a base or extension that
// mixes upper and lower case (not representable by the single reserved
// case bit) still falls back to a long-name run rather than silently
// losing case information.
func TestCreateMixedCaseBaseNeedsLongName(t *testing.T) {
	ctx := context.Background()
	io := newFakeIO(512)
	root := io.rootStart()

	item, err := Create(ctx, io, root, "AbC.txt", 0, 0, 0, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if item.LongName != "AbC.txt" {
		t.Fatalf("mixed-case base should need a long-name run, got LongName=%q", item.LongName)
	}

	found, err := Find(ctx, io, root, "AbC.txt")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.LongName != "AbC.txt" {
		t.Fatalf("LongName after rescan = %q, want AbC.txt", found.LongName)
	}
}

func TestCreateLongName(t *testing.T) {
	ctx := context.Background()
	io := newFakeIO(512)
	root := io.rootStart()

	item, err := Create(ctx, io, root, "résumé-of-a-very-long-name.txt", 0, 0, 0, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if item.LongName == "" {
		t.Fatal("expected a long-name run for a non-8.3 name")
	}

	found, err := Find(ctx, io, root, "résumé-of-a-very-long-name.txt")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.LongName != "résumé-of-a-very-long-name.txt" {
		t.Fatalf("LongName = %q", found.LongName)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	ctx := context.Background()
	io := newFakeIO(512)
	root := io.rootStart()
	if _, err := Create(ctx, io, root, "dup.txt", 0, 0, 0, time.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := Create(ctx, io, root, "DUP.TXT", 0, 0, 0, time.Now())
	if !xerror.Is(err, xerror.EEXIST) {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestShortNameCollisionSuffix(t *testing.T) {
	ctx := context.Background()
	io := newFakeIO(512)
	root := io.rootStart()
	// Both names collapse to the same 8.3 base ("LONGFI~N") since the
	// full names exceed 8 characters and share a prefix.
	if _, err := Create(ctx, io, root, "longfilename1.txt", 0, 0, 0, time.Now()); err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	it2, err := Create(ctx, io, root, "longfilename2.txt", 0, 0, 0, time.Now())
	if err != nil {
		t.Fatalf("Create 2: %v", err)
	}
	it1, err := Find(ctx, io, root, "longfilename1.txt")
	if err != nil {
		t.Fatalf("Find 1: %v", err)
	}
	if it1.ShortName == it2.ShortName {
		t.Fatalf("expected distinct short names, both got %q", it1.ShortName)
	}
}

// TestGenerateShortNameReachesEightCharSuffix exercises the boundary where
// the "~N" suffix itself fills all 8 base characters (n == 1_000_000, suffix
// "~1000000", keep == 0): GenerateShortName must still try that candidate
// instead of stopping one short and returning EEXIST early.
func TestGenerateShortNameReachesEightCharSuffix(t *testing.T) {
	pack := func(name string) [11]byte {
		var out [11]byte
		for i := range out {
			out[i] = ' '
		}
		copy(out[:8], []byte(name))
		copy(out[8:], []byte("TXT"))
		return out
	}
	// "LONGFILENAMEWITHMANYCHARS" cleans/truncates to an 8-char base
	// "LONGFILE", matching GenerateShortName's own truncatedBase.
	const truncatedBase = "LONGFILE"

	taken := make(map[[11]byte]bool, 999_999)
	for n := 1; n <= 999_999; n++ {
		suffix := "~" + strconv.Itoa(n)
		head := truncatedBase
		if keep := 8 - len(suffix); len(head) > keep {
			head = head[:keep]
		}
		taken[pack(head+suffix)] = true
	}

	got, err := GenerateShortName("longfilenamewithmanychars.txt", taken)
	if err != nil {
		t.Fatalf("GenerateShortName: %v", err)
	}
	want := pack("~1000000")
	if got != want {
		t.Fatalf("GenerateShortName = %q, want %q (the 8-character-suffix candidate)", got, want)
	}
}

func TestDeleteRemovesItem(t *testing.T) {
	ctx := context.Background()
	io := newFakeIO(512)
	root := io.rootStart()
	item, err := Create(ctx, io, root, "todelete.txt", 0, 0, 0, time.Now())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Delete(ctx, io, root, item); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Find(ctx, io, root, "todelete.txt"); !xerror.Is(err, xerror.ENOENT) {
		t.Fatalf("expected ENOENT after delete, got %v", err)
	}
}

func TestCreateSpillsIntoNewCluster(t *testing.T) {
	ctx := context.Background()
	// A tiny cluster (one slot) forces every Create beyond the first to
	// extend the chain.
	io := newFakeIO(layout.EntrySize)
	root := io.rootStart()
	for i := 0; i < 3; i++ {
		name := string(rune('a'+i)) + ".txt"
		if _, err := Create(ctx, io, root, name, 0, 0, 0, time.Now()); err != nil {
			t.Fatalf("Create %q: %v", name, err)
		}
	}
	items, err := Scan(ctx, io, root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
}
