// Package notify defines notification sinks and the isolated delivery
// boundary between trackers and subscriber-facing code.
package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/JakeFAU/adwatch/internal/listing"
)

// Batch is one delivery of newly seen ads to a subscriber.
type Batch struct {
	ID           string       `json:"id"`
	SubscriberID string       `json:"subscriber_id"`
	FilterName   string       `json:"filter"`
	Ads          []listing.Ad `json:"ads"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Sink receives batches. Implementations may block; callers isolate them
// through Deliver.
type Sink interface {
	Notify(ctx context.Context, batch Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch Batch) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, batch Batch) error {
	return f(ctx, batch)
}

// ErrPanic wraps a recovered sink panic.
var ErrPanic = errors.New("notify: sink panicked")

// Deliver runs sink.Notify on its own goroutine and reports the outcome on the
// returned channel, which always receives exactly one value and is buffered so
// the goroutine never leaks on an abandoned receive. Panics are converted into
// errors wrapping ErrPanic.
func Deliver(ctx context.Context, sink Sink, batch Batch) <-chan error {
	done := make(chan error, 1)
	if sink == nil {
		done <- errors.New("notify: nil sink")
		return done
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("%w: %v\n%s", ErrPanic, rec, debug.Stack())
			}
		}()
		done <- sink.Notify(ctx, batch)
	}()
	return done
}

// Wait blocks for a Deliver result or ctx, whichever comes first.
func Wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait for delivery: %w", ctx.Err())
	}
}
