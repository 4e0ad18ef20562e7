package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	// In-memory SQLite with shared cache for testing
	s, err := New("file:"+name+"?mode=memory&cache=shared", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCacheKey_StableUnderKeyReordering(t *testing.T) {
	a := CacheKey("completion", map[string]any{"prompt": "hi", "max_tokens": 10, "model": "small"})
	b := CacheKey("completion", map[string]any{"model": "small", "max_tokens": 10, "prompt": "hi"})

	if a != b {
		t.Errorf("CacheKey() differs for identical requests: %q vs %q", a, b)
	}

	c := CacheKey("completion", map[string]any{"prompt": "bye", "max_tokens": 10, "model": "small"})
	if a == c {
		t.Error("CacheKey() identical for different requests")
	}

	d := CacheKey("embedding", map[string]any{"prompt": "hi", "max_tokens": 10, "model": "small"})
	if a == d {
		t.Error("CacheKey() identical for different service types")
	}
}

func TestStore_CacheRoundTrip(t *testing.T) {
	s := newTestStore(t, "cache-roundtrip")
	ctx := context.Background()

	key := CacheKey("completion", map[string]any{"prompt": "hi"})
	if !s.PutCached(ctx, key, "completion", []byte(`{"text":"hello"}`), 12, time.Minute) {
		t.Fatal("PutCached() = false")
	}

	entry, ok := s.GetCached(ctx, key)
	if !ok {
		t.Fatal("GetCached() miss for fresh entry")
	}
	if string(entry.Response) != `{"text":"hello"}` {
		t.Errorf("Response = %s, want stored payload", entry.Response)
	}
	if entry.TokensSaved != 12 {
		t.Errorf("TokensSaved = %d, want 12", entry.TokensSaved)
	}
	if entry.ServiceType != "completion" {
		t.Errorf("ServiceType = %q, want completion", entry.ServiceType)
	}
}

func TestStore_CacheExpiry(t *testing.T) {
	s := newTestStore(t, "cache-expiry")
	ctx := context.Background()

	key := CacheKey("completion", map[string]any{"prompt": "hi"})
	if !s.PutCached(ctx, key, "completion", []byte(`{}`), 5, -time.Second) {
		t.Fatal("PutCached() = false")
	}

	if _, ok := s.GetCached(ctx, key); ok {
		t.Error("GetCached() returned an expired entry")
	}

	// Expired entries are removed by GC, not on read.
	count, err := s.CacheSize(ctx)
	if err != nil {
		t.Fatalf("CacheSize() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CacheSize() = %d after expired read, want 1", count)
	}
}

func TestStore_GCRemovesOnlyExpired(t *testing.T) {
	s := newTestStore(t, "cache-gc")
	ctx := context.Background()

	s.PutCached(ctx, "expired-1", "completion", []byte(`{}`), 0, -time.Minute)
	s.PutCached(ctx, "expired-2", "completion", []byte(`{}`), 0, -time.Second)
	s.PutCached(ctx, "live-1", "completion", []byte(`{}`), 0, time.Hour)

	removed, err := s.GC(ctx)
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("GC() removed %d entries, want 2", removed)
	}

	if _, ok := s.GetCached(ctx, "live-1"); !ok {
		t.Error("GC() removed an unexpired entry")
	}

	// Idempotent: a second pass removes nothing.
	removed, err = s.GC(ctx)
	if err != nil {
		t.Fatalf("GC() second pass error = %v", err)
	}
	if removed != 0 {
		t.Errorf("GC() second pass removed %d entries, want 0", removed)
	}
}

func TestStore_GCConcurrentWithCacheTraffic(t *testing.T) {
	s := newTestStore(t, "cache-gc-concurrent")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				key := CacheKey("completion", map[string]any{"worker": n, "seq": j})
				s.PutCached(ctx, key, "completion", []byte(`{}`), 1, time.Hour)
				s.GetCached(ctx, key)
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			if _, err := s.GC(ctx); err != nil {
				t.Errorf("GC() error = %v", err)
				return
			}
		}
	}()

	wg.Wait()
}

func TestStore_UpsertCreditLastWriteWins(t *testing.T) {
	s := newTestStore(t, "credits")
	ctx := context.Background()

	if !s.UpsertCredit(ctx, "u1", 100) {
		t.Fatal("UpsertCredit() = false")
	}
	if !s.UpsertCredit(ctx, "u1", 42.5) {
		t.Fatal("UpsertCredit() second write = false")
	}

	session, ok := s.GetCredit(ctx, "u1")
	if !ok {
		t.Fatal("GetCredit() miss after upsert")
	}
	if session.Balance != 42.5 {
		t.Errorf("Balance = %v, want 42.5", session.Balance)
	}

	if _, ok := s.GetCredit(ctx, "unknown"); ok {
		t.Error("GetCredit() hit for unknown user")
	}
}

func TestStore_AppendSyncLog(t *testing.T) {
	s := newTestStore(t, "synclog")
	ctx := context.Background()

	ok := s.AppendSyncLog(ctx, SyncLogEntry{
		ID:          "msg-1",
		MessageType: "service_request",
		Direction:   "outbound",
		Payload:     []byte(`{"request_id":"req-1"}`),
		Status:      "sent",
	})
	if !ok {
		t.Fatal("AppendSyncLog() = false")
	}

	entries, err := s.RecentSyncLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSyncLogs() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("RecentSyncLogs() count = %d, want 1", len(entries))
	}
	if entries[0].MessageType != "service_request" {
		t.Errorf("MessageType = %q, want service_request", entries[0].MessageType)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted on append")
	}
}
