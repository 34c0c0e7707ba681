package cache

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/mlowery/chatdir/internal/directory"
	"github.com/mlowery/chatdir/internal/store"
)

// listFunc is one page of a Source listing, bound to a kind.
type listFunc func(ctx context.Context, cursor string) (directory.Page, error)

// Cache resolves one entity kind against the store, refreshing from the
// remote directory through the coordinator when the local table cannot
// answer. Channels additionally resolve by id; users and groups only by
// label.
type Cache struct {
	store  *store.Store
	coord  *Coordinator
	kind   store.Kind
	byID   bool
	list   listFunc
	ttl    time.Duration
	logger *log.Logger
}

// Caches bundles the three entity caches over one store and source.
type Caches struct {
	Channels *Cache
	Users    *Cache
	Groups   *Cache
}

// New creates the channel, user, and group caches sharing one store, one
// coordinator, and one remote source. If logger is nil, a default logger
// writing to stderr is used.
func New(s *store.Store, src directory.Source, logger *log.Logger) *Caches {
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}

	coord := NewCoordinator(s)
	newCache := func(kind store.Kind, byID bool, list listFunc) *Cache {
		return &Cache{
			store:  s,
			coord:  coord,
			kind:   kind,
			byID:   byID,
			list:   list,
			ttl:    DefaultTTL,
			logger: logger,
		}
	}

	return &Caches{
		Channels: newCache(store.KindChannels, true, src.ListChannels),
		Users:    newCache(store.KindUsers, false, src.ListUsers),
		Groups:   newCache(store.KindGroups, false, src.ListGroups),
	}
}

// ByKind returns the cache for a kind, or nil for an unknown kind.
func (c *Caches) ByKind(kind store.Kind) *Cache {
	switch kind {
	case store.KindChannels:
		return c.Channels
	case store.KindUsers:
		return c.Users
	case store.KindGroups:
		return c.Groups
	}
	return nil
}

// Kind returns the entity kind this cache serves.
func (c *Cache) Kind() store.Kind {
	return c.kind
}

// Resolve returns the id for a key, fetching from the remote directory if
// the local table cannot answer. An absent result after a fresh sync is
// not an error; it means the entity does not exist remotely.
func (c *Cache) Resolve(ctx context.Context, key string) (string, bool, error) {
	if id, ok, err := c.lookup(ctx, key); err != nil || ok {
		return id, ok, err
	}

	// A table synced within the TTL is exhaustive: a miss is a genuine
	// absence, so skip the coordinator (and its metadata read) entirely.
	fresh, err := c.store.SyncedWithin(ctx, c.kind, c.coord.now().Add(-c.ttl))
	if err != nil {
		return "", false, err
	}
	if fresh {
		return "", false, nil
	}

	return c.coord.SyncIfNeeded(ctx, c.kind,
		func(ctx context.Context) (string, bool, error) { return c.lookup(ctx, key) },
		c.Refresh)
}

// lookup checks the local table for a fresh record. Channels are checked
// by label first, then by id; either hit short-circuits.
func (c *Cache) lookup(ctx context.Context, key string) (string, bool, error) {
	cutoff := c.coord.now().Add(-c.ttl)

	if id, ok, err := c.store.LookupLabel(ctx, c.kind, key, cutoff); err != nil || ok {
		return id, ok, err
	}
	if c.byID {
		return c.store.LookupID(ctx, c.kind, key, cutoff)
	}
	return "", false, nil
}

// Sync forces a refresh through the cross-process protocol, regardless of
// table freshness. If another process is mid-sync, this waits for it and
// then claims a refresh of its own.
func (c *Cache) Sync(ctx context.Context) error {
	_, _, err := c.coord.SyncIfNeeded(ctx, c.kind,
		func(ctx context.Context) (string, bool, error) { return "", false, nil },
		c.Refresh)
	return err
}

// Refresh pages through the remote listing, accumulating every entry, and
// atomically replaces the entity table. All rows share the single refresh
// timestamp regardless of how long pagination took. Any page failure
// aborts the refresh with nothing committed.
func (c *Cache) Refresh(ctx context.Context) error {
	var entries []store.Entry
	cursor := ""
	pages := 0

	for {
		page, err := c.list(ctx, cursor)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			entries = append(entries, store.Entry{ID: e.ID, Label: e.Label})
		}
		pages++

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if err := c.store.ReplaceAll(ctx, c.kind, entries, c.coord.now()); err != nil {
		return err
	}

	c.logger.Printf("Refreshed %s: %d entries in %d pages", c.kind, len(entries), pages)
	return nil
}
