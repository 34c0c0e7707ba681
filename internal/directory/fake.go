package directory

import (
	"context"
	"fmt"
	"sync"
)

// FakeSource is an in-memory Source for tests. Each kind's entries are
// served in fixed-size pages with synthetic cursors, and every listing
// call is counted so tests can assert how many refreshes actually ran.
type FakeSource struct {
	mu       sync.Mutex
	channels []Entry
	users    []Entry
	groups   []Entry

	// PageSize bounds entries per page; 0 means everything in one page.
	PageSize int

	// Err, when set, fails every listing call.
	Err error

	calls map[string]int
}

// NewFakeSource creates an empty fake directory.
func NewFakeSource() *FakeSource {
	return &FakeSource{calls: make(map[string]int)}
}

// SetChannels replaces the fake's channel listing.
func (f *FakeSource) SetChannels(entries ...Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = entries
}

// SetUsers replaces the fake's user listing.
func (f *FakeSource) SetUsers(entries ...Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = entries
}

// SetGroups replaces the fake's group listing.
func (f *FakeSource) SetGroups(entries ...Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = entries
}

// Calls returns how many page requests have been made for a method
// ("channels", "users", "groups").
func (f *FakeSource) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// ListChannels implements Source.
func (f *FakeSource) ListChannels(ctx context.Context, cursor string) (Page, error) {
	return f.list(ctx, "channels", cursor)
}

// ListUsers implements Source.
func (f *FakeSource) ListUsers(ctx context.Context, cursor string) (Page, error) {
	return f.list(ctx, "users", cursor)
}

// ListGroups implements Source.
func (f *FakeSource) ListGroups(ctx context.Context, cursor string) (Page, error) {
	return f.list(ctx, "groups", cursor)
}

func (f *FakeSource) list(ctx context.Context, method, cursor string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[method]++
	if f.Err != nil {
		return Page{}, f.Err
	}

	var entries []Entry
	switch method {
	case "channels":
		entries = f.channels
	case "users":
		entries = f.users
	case "groups":
		entries = f.groups
	}

	start := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "page-%d", &start); err != nil {
			return Page{}, fmt.Errorf("bad cursor %q", cursor)
		}
	}
	if start > len(entries) {
		return Page{}, fmt.Errorf("cursor %q out of range", cursor)
	}

	size := f.PageSize
	if size <= 0 {
		size = len(entries) - start
	}

	end := start + size
	if end > len(entries) {
		end = len(entries)
	}

	page := Page{Entries: entries[start:end]}
	if end < len(entries) {
		page.NextCursor = fmt.Sprintf("page-%d", end)
	}
	return page, nil
}
