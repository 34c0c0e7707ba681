package store

import (
	"context"
	"fmt"
	"time"
)

// SyncMeta is the timestamp pair backing one entity table's sync lock.
//
// The derived states:
//   - idle:        completed_at >= started_at
//   - in progress: started_at > completed_at, lock younger than the timeout
//   - stale:       started_at > completed_at, lock at or past the timeout
//
// A stale lock is claimable exactly like an idle one.
type SyncMeta struct {
	Kind        Kind
	StartedAt   time.Time
	CompletedAt time.Time
}

// InProgress reports whether another sync holds a live (non-stale) claim
// as of now.
func (m SyncMeta) InProgress(now time.Time, timeout time.Duration) bool {
	return m.StartedAt.After(m.CompletedAt) && now.Sub(m.StartedAt) < timeout
}

// Deadline is the instant the current claim expires.
func (m SyncMeta) Deadline(timeout time.Duration) time.Time {
	return m.StartedAt.Add(timeout)
}

// SyncMeta reads the metadata row for an entity kind.
func (s *Store) SyncMeta(ctx context.Context, kind Kind) (SyncMeta, error) {
	if !kind.Valid() {
		return SyncMeta{}, fmt.Errorf("unknown entity kind %q", kind)
	}

	var started, completed int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT started_at, completed_at FROM sync_meta WHERE table_name = ?`,
		string(kind)).Scan(&started, &completed)
	if err != nil {
		return SyncMeta{}, fmt.Errorf("failed to read sync metadata for %s: %w", kind, err)
	}

	return SyncMeta{
		Kind:        kind,
		StartedAt:   time.UnixMilli(started),
		CompletedAt: time.UnixMilli(completed),
	}, nil
}

// TryClaim attempts to take the sync lock for a kind by setting started_at,
// but only if the row is idle or its current claim has gone stale. The WHERE
// predicate is re-evaluated atomically against the committed row state, so
// under a race exactly one claimant sees a row affected.
func (s *Store) TryClaim(ctx context.Context, kind Kind, now time.Time, timeout time.Duration) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown entity kind %q", kind)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE sync_meta SET started_at = ?
		WHERE table_name = ?
		  AND (completed_at >= started_at OR ? - started_at >= ?)`,
		now.UnixMilli(), string(kind), now.UnixMilli(), timeout.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim sync for %s: %w", kind, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for %s: %w", kind, err)
	}
	return n == 1, nil
}

// CompleteSync marks a claimed sync as finished. completed_at lands strictly
// after the claim's started_at, which is the success signal waiters compare
// against.
func (s *Store) CompleteSync(ctx context.Context, kind Kind, now time.Time) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", kind)
	}

	if _, err := s.conn.ExecContext(ctx,
		`UPDATE sync_meta SET completed_at = ? WHERE table_name = ?`,
		now.UnixMilli(), string(kind)); err != nil {
		return fmt.Errorf("failed to complete sync for %s: %w", kind, err)
	}
	return nil
}

// ReleaseClaim rolls a failed sync back to idle by setting completed_at to
// the claim's own started_at. The row becomes claimable immediately, and a
// waiter that observed the claim can tell the timestamp never advanced past
// it, meaning no new data landed.
func (s *Store) ReleaseClaim(ctx context.Context, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", kind)
	}

	if _, err := s.conn.ExecContext(ctx,
		`UPDATE sync_meta SET completed_at = started_at WHERE table_name = ?`,
		string(kind)); err != nil {
		return fmt.Errorf("failed to release sync claim for %s: %w", kind, err)
	}
	return nil
}

// SyncedWithin reports whether a kind completed a sync strictly after the
// cutoff. When true, a lookup miss means the entity genuinely does not
// exist remotely, so callers can skip the sync protocol entirely.
func (s *Store) SyncedWithin(ctx context.Context, kind Kind, completedAfter time.Time) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown entity kind %q", kind)
	}

	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_meta WHERE table_name = ? AND completed_at > ?`,
		string(kind), completedAfter.UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to read sync freshness for %s: %w", kind, err)
	}
	return n == 1, nil
}
