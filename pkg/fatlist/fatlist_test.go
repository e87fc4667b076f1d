package fatlist

import (
	"context"
	"sync"
	"testing"

	"fat32fs.dev/pkg/block"
	"fat32fs.dev/pkg/layout"
	"fat32fs.dev/pkg/xerror"
)

// memFat simulates a small FAT region in memory, addressable by sector,
// so the block.Cache's Fetch callback can read it on miss.
type memFat struct {
	mu             sync.Mutex
	sectors        map[block.Key][]byte
	sectorBytes    int
	entriesPerSect int
}

func newMemFat(sectorBytes, numSectors int) *memFat {
	m := &memFat{sectors: make(map[block.Key][]byte), sectorBytes: sectorBytes, entriesPerSect: sectorBytes / 4}
	for i := 0; i < numSectors; i++ {
		m.sectors[block.Key(i)] = make([]byte, sectorBytes)
	}
	return m
}

func (m *memFat) fetch(ctx context.Context, key block.Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sectors[key]
	if !ok {
		return nil, xerror.New("memFat.fetch", xerror.EIO)
	}
	cp := make([]byte, len(s))
	copy(cp, s)
	return cp, nil
}

func newTestList(t *testing.T, clusterCount int) *List {
	t.Helper()
	const sectorBytes = 64
	entriesPerSector := sectorBytes / 4
	numSectors := (clusterCount + entriesPerSector - 1) / entriesPerSector
	mf := newMemFat(sectorBytes, numSectors+1)
	cache := block.New(16, 16, sectorBytes, mf.fetch)
	return New(cache, entriesPerSector, clusterCount)
}

func TestAllocFreeAndAppend(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, 64)

	c1, err := l.AllocFree(ctx)
	if err != nil {
		t.Fatalf("AllocFree: %v", err)
	}
	status, _, err := l.Next(ctx, c1)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != layout.ClLast {
		t.Fatalf("freshly allocated cluster should be Last, got %v", status)
	}

	c2, err := l.Append(ctx, c1)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if c2 == c1 {
		t.Fatal("Append must return a distinct cluster")
	}
	status, next, err := l.Next(ctx, c1)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != layout.ClNext || next != c2 {
		t.Fatalf("c1 should chain to c2, got status=%v next=%v", status, next)
	}
	status, _, err = l.Next(ctx, c2)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != layout.ClLast {
		t.Fatalf("c2 should be Last, got %v", status)
	}
}

func TestInitChainLength(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, 64)
	start, err := l.InitChain(ctx, 5)
	if err != nil {
		t.Fatalf("InitChain: %v", err)
	}
	cur := start
	count := 1
	for {
		status, next, err := l.Next(ctx, cur)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if status == layout.ClLast {
			break
		}
		if status != layout.ClNext {
			t.Fatalf("unexpected status mid-chain: %v", status)
		}
		cur = next
		count++
	}
	if count != 5 {
		t.Fatalf("chain length = %d, want 5", count)
	}
}

func TestFreeChainReturnsToFreePool(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, 16)
	start, err := l.InitChain(ctx, 4)
	if err != nil {
		t.Fatalf("InitChain: %v", err)
	}
	if err := l.FreeChain(ctx, start); err != nil {
		t.Fatalf("FreeChain: %v", err)
	}
	status, _, err := l.Next(ctx, start)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != layout.ClFree {
		t.Fatalf("start cluster should be Free after FreeChain, got %v", status)
	}
}

func TestAllocFreeExhaustion(t *testing.T) {
	ctx := context.Background()
	l := newTestList(t, 4)
	for i := 0; i < 4; i++ {
		if _, err := l.AllocFree(ctx); err != nil {
			t.Fatalf("AllocFree #%d: %v", i, err)
		}
	}
	_, err := l.AllocFree(ctx)
	if !xerror.Is(err, xerror.ENOSPC) {
		t.Fatalf("expected ENOSPC once volume is full, got %v", err)
	}
}
