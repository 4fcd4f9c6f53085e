// Package memory contains an in-memory notification sink for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/adwatch/internal/notify"
)

// Sink records delivered batches for inspection.
type Sink struct {
	mu      sync.RWMutex
	batches []notify.Batch
	err     error
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// FailWith makes every later Notify return err after recording the batch.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Notify records the batch.
func (s *Sink) Notify(_ context.Context, batch notify.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

// Batches returns the recorded batches.
func (s *Sink) Batches() []notify.Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notify.Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// AdIDs returns every delivered ad id in delivery order.
func (s *Sink) AdIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, b := range s.batches {
		for _, ad := range b.Ads {
			out = append(out, ad.ID)
		}
	}
	return out
}
