package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/RobLe3/claudette-sub000/internal/store"
	"github.com/RobLe3/claudette-sub000/pkg/backend"
)

func resp(content string) *backend.Response {
	return &backend.Response{Content: content, BackendUsed: "test", TokensInput: 1, TokensOutput: 1}
}

func TestGetMissThenHit(t *testing.T) {
	c := New(10, 0, nil, nil)
	ctx := context.Background()

	if got := c.Get(ctx, "fp"); got != nil {
		t.Fatalf("empty cache returned %+v", got)
	}
	if err := c.Put(ctx, "fp", resp("hello"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got := c.Get(ctx, "fp")
	if got == nil {
		t.Fatal("miss after put")
	}
	if !got.CacheHit {
		t.Error("hit should set CacheHit")
	}
	if got.Content != "hello" {
		t.Errorf("content = %q, want hello", got.Content)
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.TotalRequests != 2 {
		t.Errorf("stats = %+v, want hits=1 misses=1 total=2", s)
	}
	if s.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", s.HitRate)
	}
}

func TestHitReturnsClone(t *testing.T) {
	c := New(10, 0, nil, nil)
	ctx := context.Background()

	orig := resp("x")
	orig.Metadata = map[string]string{"k": "v"}
	if err := c.Put(ctx, "fp", orig, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	first := c.Get(ctx, "fp")
	first.Content = "mutated"
	first.Metadata["k"] = "changed"

	second := c.Get(ctx, "fp")
	if second.Content != "x" || second.Metadata["k"] != "v" {
		t.Errorf("mutation leaked into cache: %+v", second)
	}
}

func TestExpiry(t *testing.T) {
	c := New(10, 0, nil, nil)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }
	if err := c.Put(ctx, "fp", resp("x"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	if got := c.Get(ctx, "fp"); got != nil {
		t.Fatalf("expired entry returned %+v", got)
	}
	if s := c.Stats(); s.Entries != 0 {
		t.Errorf("expired entry still counted: %+v", s)
	}
}

func TestEntryBoundEvictsOldestQuarter(t *testing.T) {
	c := New(8, 0, nil, nil)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 8; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		c.now = func() time.Time { return tick }
		if err := c.Put(ctx, key(i), resp("v"), time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	c.now = func() time.Time { return base.Add(time.Minute) }
	if err := c.Put(ctx, "overflow", resp("v"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// 25% of 8 = the two oldest entries must be gone.
	if got := c.Get(ctx, key(0)); got != nil {
		t.Error("oldest entry survived eviction")
	}
	if got := c.Get(ctx, key(1)); got != nil {
		t.Error("second-oldest entry survived eviction")
	}
	if got := c.Get(ctx, key(2)); got == nil {
		t.Error("third-oldest entry was evicted")
	}
	if got := c.Get(ctx, "overflow"); got == nil {
		t.Error("new entry missing after eviction")
	}
}

func TestByteBoundEvictsColdestFirst(t *testing.T) {
	// Each serialized response is well over 50 bytes, so a 3-entry cache
	// with a tight byte bound must evict on every insert.
	c := New(100, 300, nil, nil)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		tick := base.Add(time.Duration(i) * time.Second)
		c.now = func() time.Time { return tick }
		if err := c.Put(ctx, key(i), resp("payload-payload-payload"), time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// Warm entry 2 so entries 0 and 1 are the cold ones.
	c.Get(ctx, key(2))

	c.now = func() time.Time { return base.Add(time.Minute) }
	if err := c.Put(ctx, "new", resp("payload-payload-payload"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if s := c.Stats(); c.maxBytes > 0 && s.Bytes > c.maxBytes {
		t.Errorf("bytes = %d exceeds bound %d", s.Bytes, c.maxBytes)
	}
	if got := c.Get(ctx, key(2)); got == nil {
		t.Error("warm entry evicted before cold ones")
	}
	if got := c.Get(ctx, "new"); got == nil {
		t.Error("new entry missing")
	}
}

func TestClear(t *testing.T) {
	c := New(10, 0, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Put(ctx, key(i), resp("v"), time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s := c.Stats(); s.Entries != 0 || s.Bytes != 0 {
		t.Errorf("stats after clear = %+v, want empty", s)
	}
}

func TestWriteThroughAndRehydrate(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	c := New(10, 0, st, nil)
	if err := c.Put(ctx, "fp", resp("persisted"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// New store handle and a cold cache simulate a restart.
	st2, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	c2 := New(10, 0, st2, nil)
	got := c2.Get(ctx, "fp")
	if got == nil {
		t.Fatal("entry not rehydrated after restart")
	}
	if got.Content != "persisted" || !got.CacheHit {
		t.Errorf("rehydrated response = %+v", got)
	}
}

func TestRehydrateHonorsEntryBound(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	c := New(10, 0, st, nil)
	for i := 0; i < 4; i++ {
		if err := c.Put(ctx, key(i), resp("v"), time.Hour); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Restart with a lowered entry limit: lazy rehydration must evict
	// rather than grow past the bound.
	st2, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	c2 := New(2, 0, st2, nil)
	for i := 0; i < 4; i++ {
		if got := c2.Get(ctx, key(i)); got == nil {
			t.Fatalf("entry %d not rehydrated", i)
		}
		if s := c2.Stats(); s.Entries > 2 {
			t.Fatalf("entries = %d after rehydrating %d keys, bound is 2", s.Entries, i+1)
		}
	}
}

func key(i int) string {
	return Fingerprint("prompt", nil, &backend.Options{MaxTokens: i + 1})
}
