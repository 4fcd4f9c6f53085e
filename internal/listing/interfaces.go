package listing

import (
	"context"
	"time"
)

// Fetcher loads a listing page and returns its ads in page order. Calls are
// slow (seconds) and may fail transiently.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]Ad, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]Ad, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]Ad, error) {
	return f(ctx, url)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
