package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecentEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := &LedgerRow{
		Timestamp:    time.Now(),
		Backend:      "openai",
		PromptHash:   "abc123",
		TokensInput:  120,
		TokensOutput: 48,
		CostEUR:      0.0021,
		CacheHit:     false,
		LatencyMs:    950,
		Metadata:     `{"request_id":"r1"}`,
	}
	if err := s.Append(ctx, row); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if row.ID == 0 {
		t.Error("Append should populate the row ID")
	}

	got, err := s.RecentEntries(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RecentEntries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	r := got[0]
	if r.Backend != row.Backend || r.PromptHash != row.PromptHash ||
		r.TokensInput != row.TokensInput || r.TokensOutput != row.TokensOutput ||
		r.CostEUR != row.CostEUR || r.CacheHit != row.CacheHit ||
		r.LatencyMs != row.LatencyMs || r.Metadata != row.Metadata {
		t.Errorf("round-tripped row = %+v, want %+v", r, row)
	}
}

func TestRecentEntriesWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &LedgerRow{Timestamp: time.Now().Add(-2 * time.Hour), Backend: "a", PromptHash: "h"}
	fresh := &LedgerRow{Timestamp: time.Now(), Backend: "b", PromptHash: "h"}
	for _, r := range []*LedgerRow{old, fresh} {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.RecentEntries(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RecentEntries: %v", err)
	}
	if len(got) != 1 || got[0].Backend != "b" {
		t.Errorf("window filter returned %+v, want only backend b", got)
	}
}

func TestCacheEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := &CacheRow{
		CacheKey:     "fp1",
		PromptHash:   "fp1",
		Response:     []byte(`{"content":"hi"}`),
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
		AccessCount:  0,
		LastAccessed: time.Now(),
		SizeBytes:    17,
	}
	if err := s.PutCacheEntry(ctx, row); err != nil {
		t.Fatalf("PutCacheEntry: %v", err)
	}

	got, err := s.GetCacheEntry(ctx, "fp1")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if got == nil {
		t.Fatal("entry missing after put")
	}
	if string(got.Response) != string(row.Response) || got.SizeBytes != row.SizeBytes {
		t.Errorf("round-tripped entry = %+v, want %+v", got, row)
	}

	missing, err := s.GetCacheEntry(ctx, "nope")
	if err != nil {
		t.Fatalf("GetCacheEntry(miss): %v", err)
	}
	if missing != nil {
		t.Errorf("miss returned %+v, want nil", missing)
	}
}

func TestPutCacheEntryLastWriterWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &CacheRow{CacheKey: "fp", Response: []byte("one"), ExpiresAt: time.Now().Add(time.Hour)}
	second := &CacheRow{CacheKey: "fp", Response: []byte("two"), ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.PutCacheEntry(ctx, first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := s.PutCacheEntry(ctx, second); err != nil {
		t.Fatalf("put second: %v", err)
	}

	got, err := s.GetCacheEntry(ctx, "fp")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if string(got.Response) != "two" {
		t.Errorf("response = %q, want two", got.Response)
	}
}

func TestCleanupPrunes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expired := &CacheRow{CacheKey: "gone", ExpiresAt: time.Now().Add(-time.Minute), Response: []byte("x")}
	live := &CacheRow{CacheKey: "kept", ExpiresAt: time.Now().Add(time.Hour), Response: []byte("y")}
	for _, r := range []*CacheRow{expired, live} {
		if err := s.PutCacheEntry(ctx, r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	oldRow := &LedgerRow{Timestamp: time.Now().Add(-48 * time.Hour), Backend: "a", PromptHash: "h"}
	if err := s.Append(ctx, oldRow); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Cleanup(ctx, 24*time.Hour); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if got, _ := s.GetCacheEntry(ctx, "gone"); got != nil {
		t.Error("expired cache entry survived cleanup")
	}
	if got, _ := s.GetCacheEntry(ctx, "kept"); got == nil {
		t.Error("live cache entry pruned by cleanup")
	}
	h := s.HealthCheck(ctx)
	if h.LedgerRows != 0 {
		t.Errorf("ledger rows after retention prune = %d, want 0", h.LedgerRows)
	}
}

func TestHealthCheck(t *testing.T) {
	s := openTestStore(t)
	h := s.HealthCheck(context.Background())
	if !h.Healthy {
		t.Fatalf("health = %+v, want healthy", h)
	}
	if h.SchemaVersion != 1 {
		t.Errorf("schema version = %d, want 1", h.SchemaVersion)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rows := []*LedgerRow{
		{Timestamp: time.Now(), Backend: "a", PromptHash: "h", TokensInput: 10, TokensOutput: 5, CostEUR: 0.01},
		{Timestamp: time.Now(), Backend: "a", PromptHash: "h", CacheHit: true},
	}
	for _, r := range rows {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	st, err := s.Stats(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Rows != 2 || st.CacheHits != 1 || st.TotalTokens != 15 {
		t.Errorf("stats = %+v, want rows=2 hits=1 tokens=15", st)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.PutCacheEntry(ctx, &CacheRow{
		CacheKey: "fp", Response: []byte("v"), ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetCacheEntry(ctx, "fp")
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if got == nil || string(got.Response) != "v" {
		t.Errorf("entry after reopen = %+v, want response v", got)
	}
}
