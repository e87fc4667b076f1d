package inodecache

import (
	"testing"

	"fat32fs.dev/pkg/layout"
)

func TestGetOrInsertDeduplicates(t *testing.T) {
	c := New[int](4)
	key := Key{ParentStart: layout.CID(2), Offset: 32}
	builds := 0
	build := func() (int, error) {
		builds++
		return 42, nil
	}
	h1, err := c.GetOrInsert(key, build)
	if err != nil {
		t.Fatalf("GetOrInsert: %v", err)
	}
	h2, err := c.GetOrInsert(key, build)
	if err != nil {
		t.Fatalf("GetOrInsert: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected the same handle for the same key")
	}
	if builds != 1 {
		t.Fatalf("build ran %d times, want 1", builds)
	}
	if h2.Value != 42 {
		t.Fatalf("Value = %d, want 42", h2.Value)
	}
}

func TestReleaseThenReacquireReusesEntry(t *testing.T) {
	c := New[int](4)
	key := Key{ParentStart: layout.CID(2), Offset: 64}
	builds := 0
	build := func() (int, error) { builds++; return 7, nil }

	h1, _ := c.GetOrInsert(key, build)
	h1.Release()

	h2, _ := c.GetOrInsert(key, build)
	if builds != 1 {
		t.Fatalf("build ran %d times after release+reacquire, want 1 (recency window should have kept it)", builds)
	}
	h2.Release()
}

func TestEagerEvictionBeyondTargetFree(t *testing.T) {
	c := New[int](1)
	build := func(v int) func() (int, error) {
		return func() (int, error) { return v, nil }
	}
	k1 := Key{ParentStart: 2, Offset: 0}
	k2 := Key{ParentStart: 2, Offset: 32}
	k3 := Key{ParentStart: 2, Offset: 64}

	h1, _ := c.GetOrInsert(k1, build(1))
	h2, _ := c.GetOrInsert(k2, build(2))
	h3, _ := c.GetOrInsert(k3, build(3))

	h1.Release()
	h2.Release() // window holds 1: k2 should evict k1 since targetFree == 1
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (k3 live + k2 in window, k1 evicted)", c.Len())
	}
	h3.Release()
}

func TestEvictHookFiresOnEagerEviction(t *testing.T) {
	c := New[int](1)
	build := func(v int) func() (int, error) {
		return func() (int, error) { return v, nil }
	}
	var evicted []Key
	c.SetEvictHook(func(k Key, v int) { evicted = append(evicted, k) })

	k1 := Key{ParentStart: 2, Offset: 0}
	k2 := Key{ParentStart: 2, Offset: 32}
	k3 := Key{ParentStart: 2, Offset: 64}

	h1, _ := c.GetOrInsert(k1, build(1))
	h2, _ := c.GetOrInsert(k2, build(2))
	h3, _ := c.GetOrInsert(k3, build(3))
	h1.Release()
	h2.Release()
	if len(evicted) != 1 || evicted[0] != k1 {
		t.Fatalf("evicted = %v, want [k1]", evicted)
	}
	h3.Release()
}

func TestRekey(t *testing.T) {
	c := New[string](4)
	oldKey := Key{ParentStart: 2, Offset: 32}
	newKey := Key{ParentStart: 2, Offset: 96}
	h, _ := c.GetOrInsert(oldKey, func() (string, error) { return "file.txt", nil })
	if !c.Rekey(oldKey, newKey) {
		t.Fatal("Rekey should report finding an entry at oldKey")
	}

	h2, err := c.GetOrInsert(newKey, func() (string, error) {
		t.Fatal("build should not run; entry should be found at new key")
		return "", nil
	})
	if err != nil {
		t.Fatalf("GetOrInsert: %v", err)
	}
	if h2 != h {
		t.Fatal("expected same handle after rekey")
	}
	h.Release()
	h2.Release()
}

func TestRekeyMissingKeyReturnsFalse(t *testing.T) {
	c := New[string](4)
	if c.Rekey(Key{ParentStart: 9, Offset: 1}, Key{ParentStart: 9, Offset: 2}) {
		t.Fatal("Rekey should report false when oldKey has no cached entry")
	}
}
