package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// testStorePath returns a temporary path for test databases
func testStorePath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "test.db")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(testStorePath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestOpen_Success tests database creation and schema initialization
func TestOpen_Success(t *testing.T) {
	path := testStorePath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}

	// All tables exist
	tables := []string{"channels", "users", "groups", "sync_meta"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := s.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestOpen_SeedsMetadata tests that sync_meta has one zeroed row per kind
func TestOpen_SeedsMetadata(t *testing.T) {
	s := openTestStore(t)

	for _, kind := range Kinds() {
		meta, err := s.SyncMeta(context.Background(), kind)
		if err != nil {
			t.Fatalf("SyncMeta(%s) failed: %v", kind, err)
		}
		if meta.StartedAt.UnixMilli() != 0 || meta.CompletedAt.UnixMilli() != 0 {
			t.Errorf("%s metadata not zeroed: started=%v completed=%v",
				kind, meta.StartedAt, meta.CompletedAt)
		}
	}
}

// TestOpen_ReopenPreservesProgress tests that a second opener does not
// clobber existing sync metadata
func TestOpen_ReopenPreservesProgress(t *testing.T) {
	path := testStorePath(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	if _, err := s.TryClaim(ctx, KindUsers, now, 30*time.Second); err != nil {
		t.Fatalf("TryClaim() failed: %v", err)
	}
	if err := s.CompleteSync(ctx, KindUsers, now.Add(time.Second)); err != nil {
		t.Fatalf("CompleteSync() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s2.Close()

	meta, err := s2.SyncMeta(ctx, KindUsers)
	if err != nil {
		t.Fatalf("SyncMeta() failed: %v", err)
	}
	if meta.StartedAt.UnixMilli() != now.UnixMilli() {
		t.Errorf("started_at clobbered by reopen: got %v, want %v", meta.StartedAt, now)
	}
	if meta.CompletedAt.UnixMilli() != now.Add(time.Second).UnixMilli() {
		t.Errorf("completed_at clobbered by reopen: got %v", meta.CompletedAt)
	}
}

// TestClose_Idempotent tests that Close is safe to call repeatedly
func TestClose_Idempotent(t *testing.T) {
	s, err := Open(testStorePath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("First Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close() failed: %v", err)
	}
}
