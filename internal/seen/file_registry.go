package seen

import (
	"context"
	"fmt"

	"github.com/JakeFAU/adwatch/internal/kvstore"
)

// FileRegistry stores seen ids in a kvstore document of filter -> []id.
type FileRegistry struct {
	store *kvstore.Store[[]string]
}

var _ Registry = (*FileRegistry)(nil)

// NewFileRegistry wraps a store.
func NewFileRegistry(store *kvstore.Store[[]string]) *FileRegistry {
	return &FileRegistry{store: store}
}

// UnseenOnly implements Registry.
func (r *FileRegistry) UnseenOnly(ctx context.Context, filterName string, candidates []string) (Set, error) {
	stored, _, err := r.store.Get(ctx, filterName)
	if err != nil {
		return nil, fmt.Errorf("load seen ids for %q: %w", filterName, err)
	}
	known := NewSet(stored...)
	out := make(Set, len(candidates))
	for _, id := range candidates {
		if !known.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// AddMany implements Registry.
func (r *FileRegistry) AddMany(ctx context.Context, filterName string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.store.Update(ctx, filterName, func(current []string, _ bool) []string {
		merged := NewSet(current...)
		for _, id := range ids {
			merged[id] = struct{}{}
		}
		return merged.Sorted()
	})
	if err != nil {
		return fmt.Errorf("add seen ids for %q: %w", filterName, err)
	}
	return nil
}

// Count returns how many ids are stored for filterName.
func (r *FileRegistry) Count(ctx context.Context, filterName string) (int, error) {
	stored, _, err := r.store.Get(ctx, filterName)
	if err != nil {
		return 0, fmt.Errorf("count seen ids for %q: %w", filterName, err)
	}
	return len(stored), nil
}
