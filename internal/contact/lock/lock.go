// Package lock serializes identify calls that share an identity key (an
// email or a phone number) so two requests for the same unseen identity
// cannot both create a primary.
package lock

import (
	"context"
	"slices"
)

// Locker acquires every key or none. The returned release func is safe to
// call once.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// normalizeKeys sorts and deduplicates keys so every caller acquires in the
// same order.
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func noop() {}
