package pushdedup

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"offercast/internal/storage"
	logx "offercast/pkg/logx"
)

func newTestCache(t *testing.T, dir string) (*Cache, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c, err := New(context.Background(), st, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, st
}

func TestShouldProcessFlipsAfterRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, t.TempDir())

	if !c.ShouldProcess("fp-1") {
		t.Fatal("fresh fingerprint must be processable")
	}
	if err := c.RecordProcessed(ctx, "fp-1"); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}
	if c.ShouldProcess("fp-1") {
		t.Fatal("recorded fingerprint must be suppressed")
	}
	// Recording twice is harmless.
	if err := c.RecordProcessed(ctx, "fp-1"); err != nil {
		t.Fatalf("repeat RecordProcessed: %v", err)
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, st := newTestCache(t, t.TempDir())

	if err := c.RecordProcessed(ctx, "fp-persist"); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}
	c2, err := New(ctx, st, logx.Nop())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	if c2.ShouldProcess("fp-persist") {
		t.Fatal("fingerprint forgotten across restart")
	}
}

func TestCleanUpPurgesOldFingerprints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	// Seed one stale and one fresh fingerprint directly through the store
	// so the stale one can predate the retention window.
	seed := map[string]int64{
		"fp-old": time.Now().Add(-48 * time.Hour).UnixMilli(),
		"fp-new": time.Now().UnixMilli(),
	}
	b, _ := json.Marshal(seed)
	if err := st.Put(ctx, "pushnotif.seen", b); err != nil {
		t.Fatalf("seed Put: %v", err)
	}
	c2, err := New(ctx, st, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	removed, err := c2.CleanUp(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanUp: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if c2.ShouldProcess("fp-new") {
		t.Fatal("fresh fingerprint purged")
	}
	if !c2.ShouldProcess("fp-old") {
		t.Fatal("stale fingerprint survived cleanup")
	}
}

func TestCleanUpNoopWhenNothingStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, t.TempDir())

	if err := c.RecordProcessed(ctx, "fp-x"); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}
	removed, err := c.CleanUp(ctx, time.Hour)
	if err != nil || removed != 0 {
		t.Fatalf("CleanUp = (%d, %v), want (0, nil)", removed, err)
	}
}
