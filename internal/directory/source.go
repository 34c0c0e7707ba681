// Package directory defines the contract with the remote workspace
// directory service and provides the HTTP client that fulfills it.
//
// The cache layer only needs one capability per entity kind: list every
// entity as (id, label) pairs, following an opaque continuation cursor
// until the service stops returning one. Network mechanics, auth, and
// retry policy all live behind the Source interface.
package directory

import "context"

// Entry is one (id, label) pair from the remote directory. For channels
// the label is the channel name, for users the username, for groups the
// group handle.
type Entry struct {
	ID    string
	Label string
}

// Page is one page of a listing plus the cursor for the next one. An empty
// NextCursor means the listing is complete.
type Page struct {
	Entries    []Entry
	NextCursor string
}

// Source lists workspace entities from the remote directory service.
//
// Implementations must treat the cursor as opaque: callers pass back
// exactly what the previous Page returned, starting with "". Any error
// aborts the caller's entire refresh; there is no partial-page recovery.
type Source interface {
	ListChannels(ctx context.Context, cursor string) (Page, error)
	ListUsers(ctx context.Context, cursor string) (Page, error)
	ListGroups(ctx context.Context, cursor string) (Page, error)
}
