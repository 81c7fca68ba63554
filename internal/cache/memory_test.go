package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests advance expiry deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(maxEntries int) (*Memory, *fakeClock) {
	m := NewMemory(maxEntries, 0)
	clock := &fakeClock{now: time.UnixMilli(1700000000000)}
	m.nowFn = clock.Now
	return m, clock
}

func TestMemory_TTLBoundary(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(0)
	defer m.Close()

	if err := m.Set(ctx, "k", []byte("v"), 100*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Readable strictly before the TTL elapses.
	clock.Advance(99 * time.Millisecond)
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit before expiry, got ok=%v err=%v", ok, err)
	}
	if string(got) != "v" {
		t.Fatalf("wrong value: %q", got)
	}

	// Unreadable once now - insertedAt >= ttl, whether or not a read
	// happened in between.
	clock.Advance(1 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected miss at exact expiry")
	}
}

func TestMemory_TTLIndependentOfReads(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(0)
	defer m.Close()

	m.Set(ctx, "k", []byte("v"), 50*time.Millisecond)
	clock.Advance(60 * time.Millisecond)

	// First access after expiry is already a miss.
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expired entry still readable")
	}
}

func TestMemory_LRUBound(t *testing.T) {
	ctx := context.Background()
	const maxEntries = 5
	m, _ := newTestCache(maxEntries)
	defer m.Close()

	// Insert maxEntries+1 distinct keys with no intervening reads.
	for i := 0; i <= maxEntries; i++ {
		m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
	}

	// Exactly the first-inserted key is evicted.
	if _, ok, _ := m.Get(ctx, "k0"); ok {
		t.Fatal("k0 should have been evicted")
	}
	for i := 1; i <= maxEntries; i++ {
		if _, ok, _ := m.Get(ctx, fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("k%d unexpectedly evicted", i)
		}
	}

	if got := m.Stats().Evictions; got != 1 {
		t.Fatalf("expected 1 eviction, got %d", got)
	}
}

func TestMemory_GetRefreshesRecency(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestCache(2)
	defer m.Close()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)

	// Touch "a" so "b" becomes the LRU victim.
	m.Get(ctx, "a")
	m.Set(ctx, "c", []byte("3"), time.Minute)

	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Fatal("a should survive after being read")
	}
}

func TestMemory_SetOverwritesWithoutEviction(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestCache(2)
	defer m.Close()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	m.Set(ctx, "a", []byte("updated"), time.Minute)

	got, ok, _ := m.Get(ctx, "a")
	if !ok || string(got) != "updated" {
		t.Fatalf("overwrite lost: ok=%v val=%q", ok, got)
	}
	if st := m.Stats(); st.Evictions != 0 || st.Size != 2 {
		t.Fatalf("unexpected stats after overwrite: %+v", st)
	}
}

func TestMemory_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestCache(0)
	defer m.Close()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)

	m.Delete(ctx, "a")
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("deleted key still readable")
	}

	m.Clear(ctx)
	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Fatal("cleared key still readable")
	}
	if st := m.Stats(); st.Size != 0 {
		t.Fatalf("expected empty cache, size=%d", st.Size)
	}
}

func TestMemory_SweepReclaimsExpired(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(0)
	defer m.Close()

	m.Set(ctx, "dead", []byte("1"), 10*time.Millisecond)
	m.Set(ctx, "live", []byte("2"), time.Hour)
	clock.Advance(time.Second)

	// Sweep must reclaim without anyone reading the dead key.
	m.sweep()

	if st := m.Stats(); st.Size != 1 {
		t.Fatalf("expected sweep to drop expired entry, size=%d", st.Size)
	}
	if _, ok, _ := m.Get(ctx, "live"); !ok {
		t.Fatal("live entry lost by sweep")
	}
}

func TestMemory_StatsCounters(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestCache(0)
	defer m.Close()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Get(ctx, "a")
	m.Get(ctx, "a")
	m.Get(ctx, "missing")

	st := m.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("expected 2 hits / 1 miss, got %+v", st)
	}
}
