// Package supervisor owns the subscriber -> tracker mapping and enforces the
// global cap on concurrently running trackers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adwatch/internal/listing"
	"github.com/JakeFAU/adwatch/internal/logging"
	"github.com/JakeFAU/adwatch/internal/metrics"
	"github.com/JakeFAU/adwatch/internal/notify"
	"github.com/JakeFAU/adwatch/internal/pool"
	"github.com/JakeFAU/adwatch/internal/seen"
	"github.com/JakeFAU/adwatch/internal/tracker"
)

// Rejections returned by StartTracking.
var (
	ErrFilterNotFound   = errors.New("filter not found")
	ErrCapacityExceeded = errors.New("tracking capacity exceeded")
)

// Admission results recorded in metrics.
const (
	admitted         = "admitted"
	replaced         = "replaced"
	rejectedNotFound = "filter_not_found"
	rejectedCapacity = "capacity_exceeded"
	admissionError   = "error"
)

// FilterResolver looks up a filter URL by name.
type FilterResolver interface {
	Get(ctx context.Context, name string) (string, bool, error)
}

// SinkFactory builds the notification sink for one subscription.
type SinkFactory func(subscriberID, filterName string) notify.Sink

// Config bounds the supervisor and the trackers it creates.
type Config struct {
	MaxParallel   int
	Interval      time.Duration
	StopTimeout   time.Duration
	NotifyTimeout time.Duration
}

// Deps are shared by every tracker the supervisor creates.
type Deps struct {
	Filters FilterResolver
	Seen    seen.Registry
	Fetcher listing.Fetcher
	Pool    *pool.Pool
	Sinks   SinkFactory
	IDs     listing.IDGenerator
	Clock   listing.Clock
	Logger  *zap.Logger
}

// Subscription describes one registered tracker.
type Subscription struct {
	SubscriberID string `json:"subscriber_id"`
	FilterName   string `json:"filter"`
	URL          string `json:"url"`
	State        string `json:"state"`
	Running      bool   `json:"running"`
}

// Supervisor admits, replaces and stops trackers. The zero value is not
// usable; construct with New.
type Supervisor struct {
	cfg  Config
	deps Deps

	// admitMu serializes StartTracking, StopTracking and StopAll and is held
	// across tracker stops, so the cap check and the map update act as one
	// step. mu guards trackers only and is never held across a Stop, so
	// read-only calls do not wait out a slow StopTimeout.
	admitMu  sync.Mutex
	mu       sync.Mutex
	trackers map[string]*tracker.Tracker
}

// New constructs a Supervisor. MaxParallel below one is treated as one.
func New(cfg Config, deps Deps) *Supervisor {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sinks == nil {
		logSink := notify.NewLogSink(deps.Logger)
		deps.Sinks = func(string, string) notify.Sink { return logSink }
	}
	return &Supervisor{
		cfg:      cfg,
		deps:     deps,
		trackers: make(map[string]*tracker.Tracker),
	}
}

// MaxParallel returns the tracker cap.
func (s *Supervisor) MaxParallel() int {
	return s.cfg.MaxParallel
}

// StartTracking starts polling filterName for subscriberID. An existing
// tracker for the same subscriber is stopped first and its slot reused.
// Rejections are ErrFilterNotFound and ErrCapacityExceeded; any other error
// means the filter store could not be read.
func (s *Supervisor) StartTracking(ctx context.Context, subscriberID, filterName string) error {
	url, ok, err := s.deps.Filters.Get(ctx, filterName)
	if err != nil {
		metrics.ObserveAdmission(admissionError)
		return fmt.Errorf("resolve filter %q: %w", filterName, err)
	}
	if !ok {
		metrics.ObserveAdmission(rejectedNotFound)
		return fmt.Errorf("%w: %q", ErrFilterNotFound, filterName)
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	s.mu.Lock()
	existing, replacing := s.trackers[subscriberID]
	count := len(s.trackers)
	s.mu.Unlock()

	if !replacing && count >= s.cfg.MaxParallel {
		metrics.ObserveAdmission(rejectedCapacity)
		s.deps.Logger.Info("tracking rejected: capacity exceeded",
			zap.String("subscriber_id", subscriberID),
			zap.Int("max_parallel", s.cfg.MaxParallel))
		return ErrCapacityExceeded
	}
	if replacing {
		// The old tracker stays listed, in state stopping, until it is
		// swapped out below.
		existing.Stop(ctx)
	}

	logger := logging.Subscriber(s.deps.Logger, subscriberID, filterName)
	t := tracker.New(tracker.Config{
		SubscriberID:  subscriberID,
		FilterName:    filterName,
		Interval:      s.cfg.Interval,
		StopTimeout:   s.cfg.StopTimeout,
		NotifyTimeout: s.cfg.NotifyTimeout,
	}, tracker.Deps{
		Fetcher: s.deps.Fetcher,
		Seen:    s.deps.Seen,
		Pool:    s.deps.Pool,
		IDs:     s.deps.IDs,
		Clock:   s.deps.Clock,
		Logger:  logger,
	})
	if err := t.Start(url, s.deps.Sinks(subscriberID, filterName)); err != nil {
		s.mu.Lock()
		delete(s.trackers, subscriberID)
		metrics.SetActiveTrackers(len(s.trackers))
		s.mu.Unlock()
		metrics.ObserveAdmission(admissionError)
		return fmt.Errorf("start tracker: %w", err)
	}
	s.mu.Lock()
	s.trackers[subscriberID] = t
	metrics.SetActiveTrackers(len(s.trackers))
	s.mu.Unlock()

	if replacing {
		metrics.ObserveAdmission(replaced)
		logger.Info("tracking replaced", zap.String("previous_filter", existing.FilterName()))
	} else {
		metrics.ObserveAdmission(admitted)
		logger.Info("tracking started")
	}
	return nil
}

// StopTracking stops the subscriber's tracker and frees its slot. It reports
// whether a tracker existed.
func (s *Supervisor) StopTracking(ctx context.Context, subscriberID string) bool {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	s.mu.Lock()
	t, ok := s.trackers[subscriberID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.Stop(ctx)

	s.mu.Lock()
	delete(s.trackers, subscriberID)
	metrics.SetActiveTrackers(len(s.trackers))
	s.mu.Unlock()
	s.deps.Logger.Info("tracking stopped",
		zap.String("subscriber_id", subscriberID),
		zap.String("filter", t.FilterName()))
	return true
}

// Status reports whether the subscriber has a running tracker.
func (s *Supervisor) Status(subscriberID string) bool {
	s.mu.Lock()
	t, ok := s.trackers[subscriberID]
	s.mu.Unlock()
	return ok && t.IsRunning()
}

// ActiveFilter returns the filter the subscriber is tracking.
func (s *Supervisor) ActiveFilter(subscriberID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[subscriberID]
	if !ok {
		return "", false
	}
	return t.FilterName(), true
}

// Count returns the number of registered trackers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}

// Subscriptions lists registered trackers ordered by subscriber id.
func (s *Supervisor) Subscriptions() []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, len(s.trackers))
	for id, t := range s.trackers {
		out = append(out, Subscription{
			SubscriberID: id,
			FilterName:   t.FilterName(),
			URL:          t.URL(),
			State:        t.State().String(),
			Running:      t.IsRunning(),
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out
}

// StopAll stops every tracker concurrently and empties the registry.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	s.mu.Lock()
	running := maps.Clone(s.trackers)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, t := range running {
		wg.Add(1)
		go func(id string, t *tracker.Tracker) {
			defer wg.Done()
			if !t.Stop(ctx) {
				s.deps.Logger.Warn("tracker did not drain before shutdown", zap.String("subscriber_id", id))
			}
		}(id, t)
	}
	wg.Wait()

	s.mu.Lock()
	clear(s.trackers)
	s.mu.Unlock()
	metrics.SetActiveTrackers(0)
}
