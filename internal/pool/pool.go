// Package pool runs blocking work on a shared, bounded set of worker slots
// while serializing work that shares a key.
//
// Trackers hand their slow listing fetches to a single Pool instead of owning
// one executor each, so total concurrent fetches stay bounded by Size no matter
// how many trackers exist. Calls for the same key (the filter name) never run
// concurrently, so two subscribers watching one filter cannot race on it.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/adwatch/internal/metrics"
)

// Pool bounds concurrent work and serializes it per key.
type Pool struct {
	size     int64
	sem      *semaphore.Weighted
	mu       sync.Mutex
	keys     map[string]*keyLock
	inFlight atomic.Int64
}

type keyLock struct {
	slot chan struct{}
	refs int
}

// New creates a Pool with size worker slots. Sizes below one are raised to one.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
		keys: make(map[string]*keyLock),
	}
}

// Size returns the number of worker slots.
func (p *Pool) Size() int {
	return int(p.size)
}

// InFlight returns how many calls are currently running fn.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Do waits for exclusive use of key and a free worker slot, then runs fn.
// It returns early with a wrapped context error if ctx ends while waiting;
// once fn has started it runs to completion.
func (p *Pool) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	kl := p.retain(key)
	defer p.release(key, kl)

	select {
	case kl.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for key %q: %w", key, ctx.Err())
	}
	defer func() { <-kl.slot }()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker: %w", err)
	}
	defer p.sem.Release(1)

	p.inFlight.Add(1)
	metrics.IncActiveWorkers()
	defer func() {
		p.inFlight.Add(-1)
		metrics.DecActiveWorkers()
	}()

	return fn(ctx)
}

func (p *Pool) retain(key string) *keyLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	kl, ok := p.keys[key]
	if !ok {
		kl = &keyLock{slot: make(chan struct{}, 1)}
		p.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (p *Pool) release(key string, kl *keyLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(p.keys, key)
	}
}

// keyCount reports how many key locks are live; used by tests.
func (p *Pool) keyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
