// Package mention rewrites free-text mentions into directory mention
// encodings: "@alice" becomes "<@U123>" for users, "<!subteam^S123>" for
// groups, and the broadcast tokens here/channel/everyone become "<!here>"
// style markers without any directory lookup. Tokens that resolve to
// nothing are left exactly as written.
package mention

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// Resolver maps a name or handle to a directory id. Both entity caches
// satisfy it.
type Resolver interface {
	Resolve(ctx context.Context, key string) (string, bool, error)
}

// mentionPattern matches an @-prefixed candidate token.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][\w.-]*)`)

// broadcastTokens need no lookup; they address everyone in scope.
var broadcastTokens = map[string]bool{
	"here":     true,
	"channel":  true,
	"everyone": true,
}

// Rewriter expands mentions using a user and a group resolver. Groups win
// when both would match the same token.
type Rewriter struct {
	users  Resolver
	groups Resolver
}

// NewRewriter creates a Rewriter over the given resolvers.
func NewRewriter(users, groups Resolver) *Rewriter {
	return &Rewriter{users: users, groups: groups}
}

// Rewrite returns text with every resolvable mention expanded. Distinct
// candidates are resolved concurrently; completion order does not affect
// the output. The first resolution error aborts the rewrite.
func (r *Rewriter) Rewrite(ctx context.Context, text string) (string, error) {
	candidates := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if !broadcastTokens[name] {
			candidates[name] = true
		}
	}

	expansions := make(map[string]string)
	if len(candidates) > 0 {
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			firstErr error
		)
		for name := range candidates {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				expansion, ok, err := r.resolveOne(ctx, name)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("resolving @%s: %w", name, err)
					}
					return
				}
				if ok {
					expansions[name] = expansion
				}
			}(name)
		}
		wg.Wait()
		if firstErr != nil {
			return "", firstErr
		}
	}

	out := mentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1:]
		if broadcastTokens[name] {
			return "<!" + name + ">"
		}
		if expansion, ok := expansions[name]; ok {
			return expansion
		}
		return m
	})

	return out, nil
}

// resolveOne tries the token as a group handle first, then as a username.
func (r *Rewriter) resolveOne(ctx context.Context, name string) (string, bool, error) {
	if id, ok, err := r.groups.Resolve(ctx, name); err != nil {
		return "", false, err
	} else if ok {
		return fmt.Sprintf("<!subteam^%s>", id), true, nil
	}

	if id, ok, err := r.users.Resolve(ctx, name); err != nil {
		return "", false, err
	} else if ok {
		return fmt.Sprintf("<@%s>", id), true, nil
	}

	return "", false, nil
}
