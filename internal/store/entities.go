package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Kind identifies one of the cached entity tables.
type Kind string

const (
	KindChannels Kind = "channels"
	KindUsers    Kind = "users"
	KindGroups   Kind = "groups"
)

// Kinds lists every entity kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindChannels, KindUsers, KindGroups}
}

// Valid reports whether k names a known entity table. Kind values are
// interpolated into SQL, so everything that accepts one checks this first.
func (k Kind) Valid() bool {
	switch k {
	case KindChannels, KindUsers, KindGroups:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// Entry is one cached directory record: a stable remote identifier and the
// name or handle it is looked up by.
type Entry struct {
	ID    string
	Label string
}

// LookupLabel returns the id of the entry with the given label, if one
// exists and was synced strictly after the cutoff. A record synced exactly
// at the cutoff is stale.
func (s *Store) LookupLabel(ctx context.Context, kind Kind, label string, freshAfter time.Time) (string, bool, error) {
	if !kind.Valid() {
		return "", false, fmt.Errorf("unknown entity kind %q", kind)
	}

	query := fmt.Sprintf(`SELECT id FROM %s WHERE label = ? AND synced_at > ? LIMIT 1`, kind)

	var id string
	err := s.conn.QueryRowContext(ctx, query, label, freshAfter.UnixMilli()).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up %s %q: %w", kind, label, err)
	}
	return id, true, nil
}

// LookupID returns the id unchanged if a fresh record with that id exists.
// Only channels are resolved this way, but the query is kind-agnostic.
func (s *Store) LookupID(ctx context.Context, kind Kind, id string, freshAfter time.Time) (string, bool, error) {
	if !kind.Valid() {
		return "", false, fmt.Errorf("unknown entity kind %q", kind)
	}

	query := fmt.Sprintf(`SELECT id FROM %s WHERE id = ? AND synced_at > ? LIMIT 1`, kind)

	var got string
	err := s.conn.QueryRowContext(ctx, query, id, freshAfter.UnixMilli()).Scan(&got)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up %s id %q: %w", kind, id, err)
	}
	return got, true, nil
}

// ReplaceAll swaps the entire contents of an entity table for the given
// entries inside one transaction. Every row is stamped with the same
// syncedAt, so freshness is a property of the refresh, not of when each
// page arrived. Readers see either the old table or the new one, never a
// mix; the WAL keeps them from blocking while this commits.
func (s *Store) ReplaceAll(ctx context.Context, kind Kind, entries []Entry, syncedAt time.Time) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown entity kind %q", kind)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, kind)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", kind, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, label, synced_at) VALUES (?, ?, ?)`, kind))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ms := syncedAt.UnixMilli()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Label, ms); err != nil {
			return fmt.Errorf("failed to insert %s %q: %w", kind, e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s replace: %w", kind, err)
	}

	return nil
}

// Count returns the number of rows in an entity table.
func (s *Store) Count(ctx context.Context, kind Kind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown entity kind %q", kind)
	}

	var count int
	err := s.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, kind)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", kind, err)
	}
	return count, nil
}
