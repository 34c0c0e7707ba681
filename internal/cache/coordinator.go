// Package cache implements the lazily-populated directory cache: a sync
// coordinator that serializes refreshes across processes, and the entity
// caches for channels, users, and groups built on it.
//
// Several chatdir processes may share one store file. The coordinator
// guarantees that at most one of them refreshes a given entity table at a
// time, that locks left behind by crashed processes are reclaimed after a
// timeout, and that a process which loses the race to refresh still comes
// away with the winner's data instead of repeating the remote fetch.
//
// The mechanism is a check-lock-recheck protocol over the store's
// sync_meta row for the kind:
//
//  1. Look up locally; a hit returns without touching metadata.
//  2. If another process holds a live claim, poll: re-run the lookup each
//     interval, and watch completed_at. Once it reaches the observed
//     started_at the other sync is over: advanced past it means success,
//     so the final lookup result stands without claiming; reset to it
//     means the other sync failed, so claiming is worth attempting.
//  3. Claim via the store's conditional update. Losing the claim race
//     means someone else just started; wait out their deadline and return
//     the final lookup result without ever refreshing.
//  4. A won claim runs the refresh exactly once. Success advances
//     completed_at past started_at; failure resets completed_at to
//     started_at, releasing the lock for immediate retry, and the error
//     surfaces only to the claim holder.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/mlowery/chatdir/internal/store"
)

const (
	// DefaultTTL bounds how old a cached record or completed sync may be
	// before it counts as a miss.
	DefaultTTL = 24 * time.Hour

	// DefaultSyncTimeout bounds both how long a claim is honored and how
	// long a waiter polls before trying to claim for itself.
	DefaultSyncTimeout = 30 * time.Second

	// DefaultPollInterval is the sleep between a waiter's lookups.
	DefaultPollInterval = 500 * time.Millisecond
)

// SyncError reports that a refresh this process claimed has failed.
// Pollers that never held the claim do not see it; they resume waiting
// and will claim for themselves.
type SyncError struct {
	Kind store.Kind
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed for %s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// LookupFunc is a cheap, idempotent local check. It returns the resolved
// id and whether it was found.
type LookupFunc func(ctx context.Context) (string, bool, error)

// RefreshFunc fetches from the remote source and replaces the entity
// table. It must leave the store consistent whether it succeeds or fails.
type RefreshFunc func(ctx context.Context) error

// Coordinator runs the check-lock-recheck protocol over a shared store.
type Coordinator struct {
	store        *store.Store
	syncTimeout  time.Duration
	pollInterval time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewCoordinator creates a coordinator with the default timeout and poll
// interval.
func NewCoordinator(s *store.Store) *Coordinator {
	return &Coordinator{
		store:        s,
		syncTimeout:  DefaultSyncTimeout,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

// SyncIfNeeded resolves via lookup, refreshing through the cross-process
// protocol when the lookup misses. It returns the final lookup result,
// which may legitimately be absent when the remote directory simply does
// not contain the entity.
func (c *Coordinator) SyncIfNeeded(ctx context.Context, kind store.Kind, lookup LookupFunc, refresh RefreshFunc) (string, bool, error) {
	// Hot path: no metadata read, no lock.
	if id, ok, err := lookup(ctx); err != nil || ok {
		return id, ok, err
	}

	meta, err := c.store.SyncMeta(ctx, kind)
	if err != nil {
		return "", false, err
	}

	if meta.InProgress(c.now(), c.syncTimeout) {
		id, ok, advanced, err := c.awaitSync(ctx, kind, meta, lookup)
		if err != nil || ok {
			return id, ok, err
		}
		if advanced {
			// The other sync succeeded and its table is current; a miss
			// now is a genuine absence, so do not refresh again.
			return lookup(ctx)
		}
		// The other sync failed or its deadline passed unresolved: fall
		// through and try to claim.
	}

	claimNow := c.now()
	claimed, err := c.store.TryClaim(ctx, kind, claimNow, c.syncTimeout)
	if err != nil {
		return "", false, err
	}

	if !claimed {
		// Lost the race. Wait out the new claim, then report whatever the
		// lookup says; a losing claimant never duplicates the refresh.
		meta, err := c.store.SyncMeta(ctx, kind)
		if err != nil {
			return "", false, err
		}
		if id, ok, _, err := c.awaitSync(ctx, kind, meta, lookup); err != nil || ok {
			return id, ok, err
		}
		return lookup(ctx)
	}

	if err := refresh(ctx); err != nil {
		if relErr := c.store.ReleaseClaim(ctx, kind); relErr != nil {
			return "", false, fmt.Errorf("failed to release claim after refresh error (%v): %w", err, relErr)
		}
		return "", false, &SyncError{Kind: kind, Err: err}
	}

	if err := c.store.CompleteSync(ctx, kind, c.now()); err != nil {
		return "", false, err
	}

	return lookup(ctx)
}

// awaitSync polls while another process's claim is live. It returns early
// with a hit as soon as the lookup lands. On a miss, advanced reports
// whether the observed sync finished successfully: completed_at strictly
// past the observed started_at means the winner committed a fresh table,
// while a reset to exactly started_at (failure) or a deadline expiry
// leaves advanced false.
func (c *Coordinator) awaitSync(ctx context.Context, kind store.Kind, observed store.SyncMeta, lookup LookupFunc) (id string, ok bool, advanced bool, err error) {
	deadline := observed.Deadline(c.syncTimeout)

	for c.now().Before(deadline) {
		if err := c.sleep(ctx); err != nil {
			return "", false, false, err
		}

		// The winner's replace may land before it flips completed_at.
		if id, ok, err := lookup(ctx); err != nil || ok {
			return id, ok, false, err
		}

		meta, err := c.store.SyncMeta(ctx, kind)
		if err != nil {
			return "", false, false, err
		}
		// completed_at caught up to the claim we were watching: the sync
		// is over.
		if !meta.CompletedAt.Before(observed.StartedAt) {
			return "", false, meta.CompletedAt.After(observed.StartedAt), nil
		}
	}

	return "", false, false, nil
}

// sleep pauses one poll interval, honoring context cancellation.
func (c *Coordinator) sleep(ctx context.Context) error {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
