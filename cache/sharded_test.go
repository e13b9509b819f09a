package cache

import (
	"errors"
	"sync"
	"testing"
)

func TestShardedGetSet(t *testing.T) {
	c := NewSharded[string, int](4, StringHasher)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("Get on empty cache returned ok")
	}
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3)

	if v, ok := c.Get("a"); !ok || v != 3 {
		t.Errorf("Get(a) = %d, %v; want 3, true", v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", st.Hits, st.Misses)
	}
	if got := st.HitRate(); got != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", got)
	}
}

func TestShardedEviction(t *testing.T) {
	// Identity hash with keys that are multiples of ShardCount keeps all
	// entries in shard 0.
	c := NewSharded[uint64, string](2, Uint64Hasher)
	c.Set(0, "zero")
	c.Set(ShardCount, "one")
	c.Get(0) // 0 is now most recent
	c.Set(2*ShardCount, "two")

	if _, ok := c.Get(ShardCount); ok {
		t.Error("least recently used key survived eviction")
	}
	if _, ok := c.Get(0); !ok {
		t.Error("recently used key was evicted")
	}
	if ev := c.Stats().Evictions; ev != 1 {
		t.Errorf("Evictions = %d, want 1", ev)
	}
}

func TestShardedGetOrCreate(t *testing.T) {
	c := NewSharded[string, []uint32](0, StringHasher)
	calls := 0
	build := func() ([]uint32, error) {
		calls++
		return []uint32{0x07230203}, nil
	}

	for range 3 {
		words, err := c.GetOrCreate("shader", build)
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if len(words) != 1 {
			t.Fatalf("len(words) = %d, want 1", len(words))
		}
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
}

func TestShardedGetOrCreateErrorNotCached(t *testing.T) {
	c := NewSharded[string, int](0, StringHasher)
	errBoom := errors.New("boom")

	if _, err := c.GetOrCreate("k", func() (int, error) { return 0, errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed create was cached")
	}
	v, err := c.GetOrCreate("k", func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("retry = %d, %v; want 7, nil", v, err)
	}
	if f := c.Stats().Failures; f != 1 {
		t.Errorf("Failures = %d, want 1", f)
	}
}

func TestShardedDeleteClear(t *testing.T) {
	c := NewSharded[string, int](0, StringHasher)
	c.Set("a", 1)
	c.Set("b", 2)

	if !c.Delete("a") {
		t.Error("Delete(a) = false")
	}
	if c.Delete("a") {
		t.Error("second Delete(a) = true")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d", c.Len())
	}
}

func TestShardedConcurrent(t *testing.T) {
	c := NewSharded[uint64, int](16, Uint64Hasher)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := uint64(i % 32)
				_, _ = c.GetOrCreate(key, func() (int, error) { return g, nil })
			}
		}()
	}
	wg.Wait()
	if c.Len() != 32 {
		t.Errorf("Len = %d, want 32", c.Len())
	}
}
