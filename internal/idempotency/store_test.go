package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mintRecord(clientKey string, submitted time.Time) Record {
	return Record{
		Action:      "mint",
		ClientKey:   clientKey,
		Kind:        "approve",
		StatusCode:  202,
		Response:    []byte(`{"action":"approve"}`),
		SubmittedAt: submitted,
		ExpiresAt:   submitted.Add(time.Minute),
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Lookup(ctx, "mint", "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	if err := store.Remember(ctx, mintRecord("abc", time.Now())); err != nil {
		t.Fatalf("remember failed: %v", err)
	}

	got, _ := store.Lookup(ctx, "mint", "abc")
	if got == nil || got.Kind != "approve" || string(got.Response) != `{"action":"approve"}` {
		t.Fatalf("unexpected record: %+v", got)
	}
	if other, _ := store.Lookup(ctx, "withdraw", "abc"); other != nil {
		t.Fatalf("key leaked across actions: %+v", other)
	}
}

func TestMemoryStoreKeepsFirstOutcome(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Remember(ctx, mintRecord("abc", now))
	second := mintRecord("abc", now)
	second.Kind = "mint"
	_ = store.Remember(ctx, second)

	got, _ := store.Lookup(ctx, "mint", "abc")
	if got == nil || got.Kind != "approve" {
		t.Fatalf("expected first outcome to win, got %+v", got)
	}
}

func TestMemoryStoreExpiryAndPurge(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Remember(ctx, mintRecord("k", now))
	if got, _ := store.Lookup(ctx, "mint", "k"); got == nil {
		t.Fatalf("expected live record")
	}

	now = now.Add(2 * time.Minute)
	if got, _ := store.Lookup(ctx, "mint", "k"); got != nil {
		t.Fatalf("expected expired record to be hidden")
	}

	// an expired record no longer blocks the key
	replacement := mintRecord("k", now)
	replacement.Kind = "mint"
	_ = store.Remember(ctx, replacement)
	if got, _ := store.Lookup(ctx, "mint", "k"); got == nil || got.Kind != "mint" {
		t.Fatalf("expected replacement, got %+v", got)
	}

	now = now.Add(2 * time.Minute)
	n, err := store.Purge(ctx)
	if err != nil || n != 1 || store.Len() != 0 {
		t.Fatalf("purge: n=%d err=%v len=%d", n, err, store.Len())
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	withdraw := Record{
		Action:      "withdraw",
		ClientKey:   "key",
		Kind:        "withdraw",
		StatusCode:  202,
		Response:    []byte(`{"status":"submitted"}`),
		SubmittedAt: time.Unix(0, 0),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Remember(ctx, withdraw); err != nil {
		t.Fatalf("remember: %v", err)
	}
	old := mintRecord("old", time.Now().Add(-time.Hour))
	if err := store.Remember(ctx, old); err != nil {
		t.Fatalf("remember expired: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Lookup(ctx, "withdraw", "key")
	if got == nil || got.Kind != "withdraw" || string(got.Response) != `{"status":"submitted"}` {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, ok := store2.records[recordID{"mint", "old"}]; ok {
		t.Fatalf("expired record survived reload")
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFileStore(path); err == nil {
		t.Fatalf("expected error for corrupt file")
	}
}
