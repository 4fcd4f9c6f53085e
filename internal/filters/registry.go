// Package filters persists named listing search URLs.
package filters

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/adwatch/internal/kvstore"
)

// ErrInvalidFilter is returned by Upsert for blank names or non-http(s) URLs.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is a named search URL.
type Filter struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Registry maps filter names to search URLs.
type Registry struct {
	store *kvstore.Store[string]
}

// New wraps a string-valued store.
func New(store *kvstore.Store[string]) *Registry {
	return &Registry{store: store}
}

// Read returns every filter as name -> url.
func (r *Registry) Read(ctx context.Context) (map[string]string, error) {
	data, err := r.store.Read(ctx)
	if err != nil {
		return data, fmt.Errorf("read filters: %w", err)
	}
	return data, nil
}

// Get resolves a single filter URL.
func (r *Registry) Get(ctx context.Context, name string) (string, bool, error) {
	u, ok, err := r.store.Get(ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("get filter %q: %w", name, err)
	}
	return u, ok, nil
}

// ListNames returns filter names in lexicographic order.
func (r *Registry) ListNames(ctx context.Context) ([]string, error) {
	names, err := r.store.ListKeys(ctx)
	if err != nil {
		return names, fmt.Errorf("list filters: %w", err)
	}
	return names, nil
}

// List returns all filters sorted by name.
func (r *Registry) List(ctx context.Context) ([]Filter, error) {
	data, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	names, err := r.ListNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Filter, 0, len(names))
	for _, name := range names {
		u, ok := data[name]
		if !ok {
			// deleted between the two reads
			continue
		}
		out = append(out, Filter{Name: name, URL: u})
	}
	return out, nil
}

// Upsert stores name -> url, overwriting any existing entry.
func (r *Registry) Upsert(ctx context.Context, name, rawURL string) error {
	name = strings.TrimSpace(name)
	rawURL = strings.TrimSpace(rawURL)
	if err := Validate(name, rawURL); err != nil {
		return err
	}
	if err := r.store.Upsert(ctx, name, rawURL); err != nil {
		return fmt.Errorf("upsert filter %q: %w", name, err)
	}
	return nil
}

// Delete removes a filter and reports whether it existed.
func (r *Registry) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := r.store.Delete(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete filter %q: %w", name, err)
	}
	return existed, nil
}

// Validate checks a filter name and URL before persisting.
func Validate(name, rawURL string) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidFilter)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: parse url: %v", ErrInvalidFilter, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) link", ErrInvalidFilter)
	}
	return nil
}
