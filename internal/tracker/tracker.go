// Package tracker implements the per-subscription polling loop.
//
// A Tracker repeatedly fetches its listing URL, drops ads already recorded in
// the seen registry, marks the remainder seen and hands them to a notification
// sink, then sleeps. One cycle never overlaps the next. Ads are marked seen
// before delivery is attempted, so each ad is delivered at most once even if
// the process dies mid-notification; a failed delivery is logged, not retried.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/adwatch/internal/listing"
	"github.com/JakeFAU/adwatch/internal/metrics"
	"github.com/JakeFAU/adwatch/internal/notify"
	"github.com/JakeFAU/adwatch/internal/pool"
	"github.com/JakeFAU/adwatch/internal/seen"
)

// ErrStopped is returned by Start on a tracker that has already been stopped.
// Stopped trackers cannot be restarted; create a new one.
var ErrStopped = errors.New("tracker: already stopped")

const (
	defaultInterval      = time.Minute
	defaultStopTimeout   = 5 * time.Second
	defaultNotifyTimeout = 30 * time.Second
)

const tracerName = "github.com/JakeFAU/adwatch/internal/tracker"

// Config controls a single Tracker.
type Config struct {
	SubscriberID string
	FilterName   string
	// Interval is the pause between the end of one cycle and the start of the next.
	Interval time.Duration
	// StopTimeout bounds how long Stop waits for the loop to exit.
	StopTimeout time.Duration
	// NotifyTimeout bounds how long a cycle waits for the sink.
	NotifyTimeout time.Duration
}

// Deps are the collaborators a Tracker calls into.
type Deps struct {
	Fetcher listing.Fetcher
	Seen    seen.Registry
	// Pool runs the blocking fetch; nil runs it on the tracker goroutine.
	Pool   *pool.Pool
	IDs    listing.IDGenerator
	Clock  listing.Clock
	Logger *zap.Logger
}

// Tracker is the polling state machine for one subscription.
type Tracker struct {
	cfg  Config
	deps Deps

	mu     sync.Mutex
	state  State
	url    string
	stopCh chan struct{}
	doneCh chan struct{}
	cancel context.CancelFunc
	seq    uint64
}

// New constructs an idle Tracker.
func New(cfg Config, deps Deps) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Tracker{
		cfg:   cfg,
		deps:  deps,
		state: StateIdle,
	}
}

// FilterName returns the filter this tracker polls.
func (t *Tracker) FilterName() string {
	return t.cfg.FilterName
}

// URL returns the listing URL passed to Start, or "" before Start.
func (t *Tracker) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// State returns the current lifecycle phase.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsRunning reports whether the tracker is Running and its loop is still alive.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning || t.doneCh == nil {
		return false
	}
	select {
	case <-t.doneCh:
		return false
	default:
		return true
	}
}

// Start launches the polling loop for url, delivering new ads to sink. It is a
// no-op on a running tracker and returns ErrStopped once the tracker has been
// stopped. The loop runs on its own goroutine and context; Start never blocks
// on a fetch.
func (t *Tracker) Start(url string, sink notify.Sink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.state = StateRunning
	t.url = url
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.cancel = cancel

	go t.run(ctx, url, sink, t.stopCh, t.doneCh)
	return nil
}

// Stop asks the loop to exit at its next check point and waits up to
// StopTimeout (or ctx) for it. The tracker is Stopped when Stop returns either
// way; the result reports whether the loop actually exited in time. When it
// did not, the loop context is canceled and an in-flight fetch may still finish
// in the background. Stop on a tracker that is not running changes nothing.
func (t *Tracker) Stop(ctx context.Context) bool {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return true
	}
	t.state = StateStopping
	close(t.stopCh)
	done := t.doneCh
	cancel := t.cancel
	t.mu.Unlock()

	timer := time.NewTimer(t.cfg.StopTimeout)
	defer timer.Stop()

	drained := true
	select {
	case <-done:
	case <-timer.C:
		drained = false
	case <-ctx.Done():
		drained = false
	}
	if !drained {
		t.deps.Logger.Warn("tracker loop did not exit before stop timeout; abandoning it",
			zap.Duration("timeout", t.cfg.StopTimeout))
	}
	cancel()

	t.mu.Lock()
	t.state = StateStopped
	t.mu.Unlock()
	return drained
}

func (t *Tracker) run(ctx context.Context, url string, sink notify.Sink, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	logger := t.deps.Logger
	logger.Info("tracker started", zap.String("url", url), zap.Duration("interval", t.cfg.Interval))
	defer logger.Info("tracker loop exited")

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		t.cycle(ctx, url, sink)

		timer := time.NewTimer(t.cfg.Interval)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle runs one fetch -> dedupe -> persist -> notify pass. Every failure is
// contained here so the loop always proceeds to its sleep.
func (t *Tracker) cycle(ctx context.Context, url string, sink notify.Sink) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tracker.poll", trace.WithAttributes(
		attribute.String("adwatch.filter", t.cfg.FilterName),
		attribute.String("adwatch.subscriber", t.cfg.SubscriberID),
	))
	defer span.End()

	logger := t.deps.Logger
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("poll cycle panicked: %v", rec)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("poll cycle panicked", zap.Any("panic", rec))
			metrics.ObservePoll(url, metrics.PollFetchError, 0)
		}
	}()

	newAds, err := t.collect(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("adwatch.ads.new", len(newAds)))
	if len(newAds) == 0 {
		return
	}

	batch := t.newBatch(newAds)
	if err := t.deliver(ctx, sink, batch); err != nil {
		metrics.ObserveDelivery(metrics.DeliveryFailed)
		logger.Error("notification delivery failed; ads stay marked as seen",
			zap.String("batch_id", batch.ID),
			zap.Int("ads", len(batch.Ads)),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveDelivery(metrics.DeliveryOK)
	logger.Info("delivered new ads", zap.String("batch_id", batch.ID), zap.Int("ads", len(batch.Ads)))
}

// deliver hands batch to sink and does not return until the sink has
// returned or the loop context is canceled, so deliveries of one tracker never
// overlap. Past NotifyTimeout the sink's context is canceled and the overrun is
// logged and counted, but the cycle keeps waiting for the sink to return.
func (t *Tracker) deliver(ctx context.Context, sink notify.Sink, batch notify.Batch) error {
	notifyCtx, cancel := context.WithTimeout(ctx, t.cfg.NotifyTimeout)
	defer cancel()

	done := notify.Deliver(notifyCtx, sink, batch)
	err := notify.Wait(notifyCtx, done)
	if err == nil || notifyCtx.Err() == nil || ctx.Err() != nil {
		return err
	}

	metrics.ObserveDelivery(metrics.DeliveryTimedOut)
	t.deps.Logger.Warn("notification exceeded notify timeout; waiting for sink to return",
		zap.String("batch_id", batch.ID),
		zap.Duration("timeout", t.cfg.NotifyTimeout),
	)
	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("wait for slow delivery: %w", ctx.Err())
	}
}

// collect fetches the listing and records unseen ads as seen, holding the
// filter's pool key for the whole read-modify-write so trackers sharing a
// filter cannot both claim the same ad.
func (t *Tracker) collect(ctx context.Context, url string) ([]listing.Ad, error) {
	var newAds []listing.Ad
	work := func(ctx context.Context) error {
		ads, err := t.fetch(ctx, url)
		if err != nil {
			return err
		}
		newAds, err = t.markNew(ctx, ads)
		return err
	}

	var err error
	if t.deps.Pool != nil {
		err = t.deps.Pool.Do(ctx, t.cfg.FilterName, work)
	} else {
		err = work(ctx)
	}
	return newAds, err
}

func (t *Tracker) fetch(ctx context.Context, url string) ([]listing.Ad, error) {
	start := time.Now()
	ads, err := t.deps.Fetcher.Fetch(ctx, url)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObservePoll(url, metrics.PollFetchError, elapsed)
		t.deps.Logger.Warn("listing fetch failed; retrying after interval",
			zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	metrics.ObservePoll(url, metrics.PollOK, elapsed)
	t.deps.Logger.Debug("listing fetched", zap.Int("ads", len(ads)), zap.Duration("elapsed", elapsed))
	return ads, nil
}

func (t *Tracker) markNew(ctx context.Context, ads []listing.Ad) ([]listing.Ad, error) {
	if len(ads) == 0 {
		return nil, nil
	}
	filter := t.cfg.FilterName
	fresh, err := t.deps.Seen.UnseenOnly(ctx, filter, listing.IDs(ads))
	if err != nil {
		t.deps.Logger.Error("seen lookup failed; skipping cycle", zap.Error(err))
		return nil, fmt.Errorf("seen lookup: %w", err)
	}

	claimed := make(map[string]struct{}, len(fresh))
	newAds := listing.Keep(ads, func(id string) bool {
		if !fresh.Has(id) {
			return false
		}
		if _, dup := claimed[id]; dup {
			return false
		}
		claimed[id] = struct{}{}
		return true
	})
	metrics.ObserveAds(filter, len(ads), len(newAds))
	if len(newAds) == 0 {
		t.deps.Logger.Debug("no new ads")
		return nil, nil
	}

	if err := t.deps.Seen.AddMany(ctx, filter, listing.IDs(newAds)); err != nil {
		metrics.ObservePoll(t.URL(), metrics.PollStoreError, 0)
		t.deps.Logger.Error("persisting seen ids failed; not delivering", zap.Error(err))
		return nil, fmt.Errorf("mark seen: %w", err)
	}
	return newAds, nil
}

func (t *Tracker) newBatch(ads []listing.Ad) notify.Batch {
	t.mu.Lock()
	t.seq++
	seq := t.seq
	t.mu.Unlock()

	id := ""
	if t.deps.IDs != nil {
		if generated, err := t.deps.IDs.NewID(); err == nil {
			id = generated
		} else {
			t.deps.Logger.Warn("batch id generation failed", zap.Error(err))
		}
	}
	if id == "" {
		id = fmt.Sprintf("%s-%s-%d", t.cfg.SubscriberID, t.cfg.FilterName, seq)
	}

	now := time.Now().UTC()
	if t.deps.Clock != nil {
		now = t.deps.Clock.Now()
	}
	return notify.Batch{
		ID:           id,
		SubscriberID: t.cfg.SubscriberID,
		FilterName:   t.cfg.FilterName,
		Ads:          ads,
		CreatedAt:    now,
	}
}
