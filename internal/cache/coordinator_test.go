package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mlowery/chatdir/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// testCoordinator returns a coordinator with short intervals so poll loops
// resolve quickly under test.
func testCoordinator(s *store.Store) *Coordinator {
	c := NewCoordinator(s)
	c.pollInterval = 5 * time.Millisecond
	c.syncTimeout = 300 * time.Millisecond
	return c
}

// storeLookup builds a lookup closure over a user label.
func storeLookup(s *store.Store, label string) LookupFunc {
	return func(ctx context.Context) (string, bool, error) {
		return s.LookupLabel(ctx, store.KindUsers, label, time.Now().Add(-DefaultTTL))
	}
}

// storeRefresh builds a refresh closure that replaces the users table and
// counts invocations.
func storeRefresh(s *store.Store, calls *int32, entries ...store.Entry) RefreshFunc {
	return func(ctx context.Context) error {
		atomic.AddInt32(calls, 1)
		return s.ReplaceAll(ctx, store.KindUsers, entries, time.Now())
	}
}

// TestSyncIfNeeded_RefreshOnMiss tests the cold-cache path: claim, refresh
// once, return the resolved id
func TestSyncIfNeeded_RefreshOnMiss(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	var calls int32
	id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "alice"),
		storeRefresh(s, &calls, store.Entry{ID: "U111", Label: "alice"}))
	if err != nil {
		t.Fatalf("SyncIfNeeded() failed: %v", err)
	}
	if !ok || id != "U111" {
		t.Errorf("SyncIfNeeded() = (%q, %v), want (U111, true)", id, ok)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}

	meta, err := s.SyncMeta(ctx, store.KindUsers)
	if err != nil {
		t.Fatalf("SyncMeta() failed: %v", err)
	}
	if !meta.CompletedAt.After(meta.StartedAt) {
		t.Error("successful sync should advance completed_at past started_at")
	}
}

// TestSyncIfNeeded_HotPath tests that a lookup hit touches neither the
// metadata row nor the refresh
func TestSyncIfNeeded_HotPath(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	if err := s.ReplaceAll(ctx, store.KindUsers,
		[]store.Entry{{ID: "U111", Label: "alice"}}, time.Now()); err != nil {
		t.Fatalf("ReplaceAll() failed: %v", err)
	}

	var calls int32
	id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "alice"), storeRefresh(s, &calls))
	if err != nil {
		t.Fatalf("SyncIfNeeded() failed: %v", err)
	}
	if !ok || id != "U111" {
		t.Errorf("SyncIfNeeded() = (%q, %v), want (U111, true)", id, ok)
	}
	if calls != 0 {
		t.Errorf("refresh calls = %d, want 0 on the hot path", calls)
	}

	meta, err := s.SyncMeta(ctx, store.KindUsers)
	if err != nil {
		t.Fatalf("SyncMeta() failed: %v", err)
	}
	if meta.StartedAt.UnixMilli() != 0 {
		t.Error("hot path should not touch the metadata row")
	}
}

// TestSyncIfNeeded_AtMostOneRefresh tests N racing callers on a cold cache:
// one refresh runs, everyone gets the same answer
func TestSyncIfNeeded_AtMostOneRefresh(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	var calls int32
	refresh := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond) // make the race window real
		return s.ReplaceAll(ctx, store.KindUsers,
			[]store.Entry{{ID: "U111", Label: "alice"}}, time.Now())
	}

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers, storeLookup(s, "alice"), refresh)
			if err != nil {
				errs[i] = err
				return
			}
			if ok {
				results[i] = id
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != "U111" {
			t.Errorf("caller %d got %q, want U111", i, results[i])
		}
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", calls)
	}
}

// TestSyncIfNeeded_FailurePropagatesAndResets tests the Sync-Failed path:
// the claim holder gets a typed error naming the kind, the metadata resets
// to idle, and an immediate retry claims again
func TestSyncIfNeeded_FailurePropagatesAndResets(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	boom := errors.New("remote directory unreachable")
	failing := func(ctx context.Context) error { return boom }

	_, _, err := c.SyncIfNeeded(ctx, store.KindUsers, storeLookup(s, "alice"), failing)
	if err == nil {
		t.Fatal("SyncIfNeeded() should fail when refresh fails")
	}

	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("error = %v, want *SyncError", err)
	}
	if syncErr.Kind != store.KindUsers {
		t.Errorf("SyncError.Kind = %s, want users", syncErr.Kind)
	}
	if !errors.Is(err, boom) {
		t.Error("SyncError should wrap the refresh error")
	}

	meta, err := s.SyncMeta(ctx, store.KindUsers)
	if err != nil {
		t.Fatalf("SyncMeta() failed: %v", err)
	}
	if meta.CompletedAt.UnixMilli() != meta.StartedAt.UnixMilli() {
		t.Error("failed sync should reset completed_at to started_at")
	}

	// Retry does not wait out the timeout; it reclaims immediately.
	var calls int32
	start := time.Now()
	id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "alice"),
		storeRefresh(s, &calls, store.Entry{ID: "U111", Label: "alice"}))
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !ok || id != "U111" {
		t.Errorf("Retry = (%q, %v), want (U111, true)", id, ok)
	}
	if calls != 1 {
		t.Errorf("retry refresh calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > c.syncTimeout/2 {
		t.Errorf("retry took %v; it should not wait out the sync timeout", elapsed)
	}
}

// TestSyncIfNeeded_WaiterPicksUpWinnersData tests that a process polling
// behind another's claim returns the winner's data without refreshing
func TestSyncIfNeeded_WaiterPicksUpWinnersData(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	// Simulate a foreign process holding the claim.
	claimedAt := time.Now()
	if claimed, err := s.TryClaim(ctx, store.KindUsers, claimedAt, c.syncTimeout); err != nil || !claimed {
		t.Fatalf("Setup claim failed: claimed=%v err=%v", claimed, err)
	}

	// The foreign process lands its data and completes shortly after.
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = s.ReplaceAll(ctx, store.KindUsers,
			[]store.Entry{{ID: "U111", Label: "alice"}}, time.Now())
		_ = s.CompleteSync(ctx, store.KindUsers, time.Now())
	}()

	var calls int32
	id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "alice"), storeRefresh(s, &calls))
	if err != nil {
		t.Fatalf("SyncIfNeeded() failed: %v", err)
	}
	if !ok || id != "U111" {
		t.Errorf("SyncIfNeeded() = (%q, %v), want (U111, true)", id, ok)
	}
	if calls != 0 {
		t.Errorf("waiter ran %d refreshes, want 0", calls)
	}
}

// TestSyncIfNeeded_NoClaimAfterForeignSuccess tests that a waiter whose
// observed sync completed successfully treats its miss as a genuine
// absence instead of claiming a redundant refresh of its own
func TestSyncIfNeeded_NoClaimAfterForeignSuccess(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	claimedAt := time.Now()
	if claimed, err := s.TryClaim(ctx, store.KindUsers, claimedAt, c.syncTimeout); err != nil || !claimed {
		t.Fatalf("Setup claim failed: claimed=%v err=%v", claimed, err)
	}

	// The foreign process commits a table that lacks the waiter's key.
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = s.ReplaceAll(ctx, store.KindUsers,
			[]store.Entry{{ID: "U111", Label: "alice"}}, time.Now())
		_ = s.CompleteSync(ctx, store.KindUsers, time.Now())
	}()

	var calls int32
	id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "nobody"), storeRefresh(s, &calls))
	if err != nil {
		t.Fatalf("SyncIfNeeded() failed: %v", err)
	}
	if ok {
		t.Errorf("SyncIfNeeded() found %q, want absent", id)
	}
	if calls != 0 {
		t.Errorf("waiter ran %d refreshes after the winner's successful sync, want 0", calls)
	}

	meta, err := s.SyncMeta(ctx, store.KindUsers)
	if err != nil {
		t.Fatalf("SyncMeta() failed: %v", err)
	}
	if meta.StartedAt.UnixMilli() != claimedAt.UnixMilli() {
		t.Error("waiter should not have claimed after the winner succeeded")
	}
}

// TestSyncIfNeeded_WaiterClaimsAfterForeignFailure tests that a waiter
// whose observed sync failed (released without advancing completed_at)
// breaks out of the poll and claims a refresh of its own
func TestSyncIfNeeded_WaiterClaimsAfterForeignFailure(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	if claimed, err := s.TryClaim(ctx, store.KindUsers, time.Now(), c.syncTimeout); err != nil || !claimed {
		t.Fatalf("Setup claim failed: claimed=%v err=%v", claimed, err)
	}

	// The foreign process gives up: its refresh failed and it releases
	// the claim without committing anything.
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = s.ReleaseClaim(ctx, store.KindUsers)
	}()

	var calls int32
	start := time.Now()
	id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "alice"),
		storeRefresh(s, &calls, store.Entry{ID: "U111", Label: "alice"}))
	if err != nil {
		t.Fatalf("SyncIfNeeded() failed: %v", err)
	}
	if !ok || id != "U111" {
		t.Errorf("SyncIfNeeded() = (%q, %v), want (U111, true)", id, ok)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1 (waiter claims after the winner fails)", calls)
	}
	if elapsed := time.Since(start); elapsed > c.syncTimeout/2 {
		t.Errorf("takeover took %v; the waiter should claim as soon as the failure is visible", elapsed)
	}
}

// TestSyncIfNeeded_StaleClaimReclaimed tests that an abandoned claim is
// taken over rather than waited on
func TestSyncIfNeeded_StaleClaimReclaimed(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	// A claim from a crashed process, well past the timeout.
	abandoned := time.Now().Add(-c.syncTimeout - time.Second)
	if claimed, err := s.TryClaim(ctx, store.KindUsers, abandoned, c.syncTimeout); err != nil || !claimed {
		t.Fatalf("Setup claim failed: claimed=%v err=%v", claimed, err)
	}

	var calls int32
	start := time.Now()
	id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "alice"),
		storeRefresh(s, &calls, store.Entry{ID: "U111", Label: "alice"}))
	if err != nil {
		t.Fatalf("SyncIfNeeded() failed: %v", err)
	}
	if !ok || id != "U111" {
		t.Errorf("SyncIfNeeded() = (%q, %v), want (U111, true)", id, ok)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > c.syncTimeout/2 {
		t.Errorf("reclaim took %v; stale locks should not be waited on", elapsed)
	}
}

// TestSyncIfNeeded_AbsentAfterRefresh tests that a refresh which simply
// does not contain the entity yields a clean absent result
func TestSyncIfNeeded_AbsentAfterRefresh(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)
	ctx := context.Background()

	var calls int32
	id, ok, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "nobody"),
		storeRefresh(s, &calls, store.Entry{ID: "U111", Label: "alice"}))
	if err != nil {
		t.Fatalf("SyncIfNeeded() failed: %v", err)
	}
	if ok {
		t.Errorf("SyncIfNeeded() found %q, want absent", id)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

// TestSyncIfNeeded_ContextCancelled tests that a polling waiter honors
// cancellation
func TestSyncIfNeeded_ContextCancelled(t *testing.T) {
	s := openTestStore(t)
	c := testCoordinator(s)

	// Foreign claim that will never complete.
	if claimed, err := s.TryClaim(context.Background(), store.KindUsers, time.Now(), c.syncTimeout); err != nil || !claimed {
		t.Fatalf("Setup claim failed: claimed=%v err=%v", claimed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var calls int32
	_, _, err := c.SyncIfNeeded(ctx, store.KindUsers,
		storeLookup(s, "alice"), storeRefresh(s, &calls))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if calls != 0 {
		t.Errorf("refresh calls = %d, want 0", calls)
	}
}
