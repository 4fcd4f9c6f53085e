// Package seen tracks which ad ids have already been surfaced per filter.
//
// The registry is append-only: once an id is added for a filter it is never
// removed. Callers first ask UnseenOnly which candidates are new and later call
// AddMany for the ids they decided to mark; the two steps are deliberately
// separate so the caller controls ordering relative to delivery.
package seen

import (
	"context"
	"sort"
)

// Set is an unordered set of ad ids.
type Set map[string]struct{}

// NewSet builds a Set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexicographic order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Registry is the per-filter seen-id store.
type Registry interface {
	// UnseenOnly returns candidates minus the ids stored for filterName. It never mutates.
	UnseenOnly(ctx context.Context, filterName string, candidates []string) (Set, error)
	// AddMany persists the union of the stored ids and ids.
	AddMany(ctx context.Context, filterName string, ids []string) error
}
