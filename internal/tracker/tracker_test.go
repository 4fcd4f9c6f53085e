package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/adwatch/internal/clock/system"
	"github.com/JakeFAU/adwatch/internal/id/uuid"
	"github.com/JakeFAU/adwatch/internal/kvstore"
	"github.com/JakeFAU/adwatch/internal/listing"
	"github.com/JakeFAU/adwatch/internal/notify"
	"github.com/JakeFAU/adwatch/internal/notify/memory"
	"github.com/JakeFAU/adwatch/internal/pool"
	"github.com/JakeFAU/adwatch/internal/seen"
)

// scriptedFetcher returns one scripted response per call, repeating the last.
type scriptedFetcher struct {
	mu       sync.Mutex
	script   []fetchResult
	calls    int
	inFlight int32
	overlap  atomic.Bool
}

type fetchResult struct {
	ads []listing.Ad
	err error
}

func (f *scriptedFetcher) Fetch(_ context.Context, _ string) ([]listing.Ad, error) {
	if atomic.AddInt32(&f.inFlight, 1) > 1 {
		f.overlap.Store(true)
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	res := f.script[idx]
	return res.ads, res.err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu      sync.Mutex
	batches []notify.Batch
	err     error
}

func (s *recordingSink) Notify(_ context.Context, batch notify.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *recordingSink) Batches() []notify.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Batch(nil), s.batches...)
}

func ads(ids ...string) []listing.Ad {
	out := make([]listing.Ad, 0, len(ids))
	for _, id := range ids {
		out = append(out, listing.Ad{ID: id, Title: "ad " + id, URL: "https://www.olx.ua/d/" + id})
	}
	return out
}

func newSeen(t *testing.T) *seen.FileRegistry {
	t.Helper()
	store, err := kvstore.New[[]string](kvstore.Config{Path: "/seen.json", Fs: afero.NewMemMapFs()})
	require.NoError(t, err)
	return seen.NewFileRegistry(store)
}

func newTracker(t *testing.T, fetcher listing.Fetcher, reg seen.Registry) *Tracker {
	t.Helper()
	return New(Config{
		SubscriberID:  "42",
		FilterName:    "Kyiv",
		Interval:      5 * time.Millisecond,
		StopTimeout:   time.Second,
		NotifyTimeout: time.Second,
	}, Deps{
		Fetcher: fetcher,
		Seen:    reg,
		Pool:    pool.New(1),
		Logger:  zaptest.NewLogger(t),
	})
}

func adIDs(batch notify.Batch) []string {
	return listing.IDs(batch.Ads)
}

func TestTrackerDeliversOnlyNewAds(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{
		{ads: ads("1", "2")},
		{ads: ads("2", "3")},
		{ads: ads("2", "3")},
	}}
	reg := newSeen(t)
	sink := &recordingSink{}
	tr := newTracker(t, fetcher, reg)

	require.NoError(t, tr.Start("https://www.olx.ua/uk/kyiv", sink))
	require.Eventually(t, func() bool { return fetcher.Calls() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, tr.Stop(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"1", "2"}, adIDs(batches[0]))
	assert.Equal(t, []string{"3"}, adIDs(batches[1]))
	assert.Equal(t, "42", batches[0].SubscriberID)
	assert.Equal(t, "Kyiv", batches[0].FilterName)
	assert.NotEqual(t, batches[0].ID, batches[1].ID)

	fresh, err := reg.UnseenOnly(context.Background(), "Kyiv", []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Empty(t, fresh)
	assert.False(t, fetcher.overlap.Load(), "fetches must not overlap")
}

func TestTrackerRecoversFromFetchErrors(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{
		{err: errors.New("connection reset")},
		{ads: ads("7")},
	}}
	sink := &recordingSink{}
	tr := newTracker(t, fetcher, newSeen(t))

	require.NoError(t, tr.Start("https://www.olx.ua/uk/kyiv", sink))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, tr.IsRunning())
	tr.Stop(context.Background())

	assert.Equal(t, []string{"7"}, adIDs(sink.Batches()[0]))
}

func TestTrackerMarksSeenEvenWhenDeliveryFails(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{ads: ads("1")}}}
	reg := newSeen(t)
	sink := &recordingSink{err: errors.New("chat blocked the bot")}
	tr := newTracker(t, fetcher, reg)

	require.NoError(t, tr.Start("https://www.olx.ua/uk/kyiv", sink))
	require.Eventually(t, func() bool { return fetcher.Calls() >= 3 }, time.Second, time.Millisecond)
	tr.Stop(context.Background())

	assert.Len(t, sink.Batches(), 1, "failed delivery is not retried")
	fresh, err := reg.UnseenOnly(context.Background(), "Kyiv", []string{"1"})
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestTrackerSurvivesPanickingSink(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{ads: ads("1")}, {ads: ads("1", "2")}}}
	var delivered atomic.Int32
	sink := notify.SinkFunc(func(_ context.Context, batch notify.Batch) error {
		if delivered.Add(1) == 1 {
			panic("sink exploded")
		}
		return nil
	})
	tr := newTracker(t, fetcher, newSeen(t))

	require.NoError(t, tr.Start("https://www.olx.ua/uk/kyiv", sink))
	require.Eventually(t, func() bool { return delivered.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, tr.IsRunning())
	tr.Stop(context.Background())
}

func TestSlowSinkDeliveriesNeverOverlap(t *testing.T) {
	var fetches atomic.Int32
	fetcher := listing.FetcherFunc(func(context.Context, string) ([]listing.Ad, error) {
		n := fetches.Add(1)
		return ads(string(rune('a' + n%26))), nil
	})
	var inFlight, maxInFlight, calls atomic.Int32
	// The sink ignores ctx and overruns NotifyTimeout on every batch.
	sink := notify.SinkFunc(func(context.Context, notify.Batch) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		calls.Add(1)
		return nil
	})
	tr := New(Config{
		SubscriberID:  "42",
		FilterName:    "Kyiv",
		Interval:      time.Millisecond,
		StopTimeout:   time.Second,
		NotifyTimeout: 10 * time.Millisecond,
	}, Deps{Fetcher: fetcher, Seen: newSeen(t), Pool: pool.New(1), Logger: zaptest.NewLogger(t)})

	require.NoError(t, tr.Start("https://www.olx.ua/uk/kyiv", sink))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	assert.True(t, tr.Stop(context.Background()))

	assert.EqualValues(t, 1, maxInFlight.Load(), "one tracker must deliver one batch at a time")
	assert.LessOrEqual(t, fetches.Load(), calls.Load()+1, "next fetch waits for the previous delivery")
}

func TestTrackerDropsDuplicateIDsWithinOneListing(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{ads: ads("5", "5", "6")}}}
	sink := &recordingSink{}
	tr := newTracker(t, fetcher, newSeen(t))

	require.NoError(t, tr.Start("https://www.olx.ua/uk/kyiv", sink))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, time.Millisecond)
	tr.Stop(context.Background())

	assert.Equal(t, []string{"5", "6"}, adIDs(sink.Batches()[0]))
}

type failingSeen struct{ seen.Registry }

func (failingSeen) AddMany(context.Context, string, []string) error {
	return errors.New("disk full")
}

func TestTrackerSkipsDeliveryWhenSeenWriteFails(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{ads: ads("1")}}}
	sink := &recordingSink{}
	tr := newTracker(t, fetcher, failingSeen{Registry: newSeen(t)})

	require.NoError(t, tr.Start("https://www.olx.ua/uk/kyiv", sink))
	require.Eventually(t, func() bool { return fetcher.Calls() >= 2 }, time.Second, time.Millisecond)
	tr.Stop(context.Background())

	assert.Empty(t, sink.Batches())
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{ads: nil}}}
	tr := newTracker(t, fetcher, newSeen(t))

	require.NoError(t, tr.Start("https://a", &recordingSink{}))
	require.NoError(t, tr.Start("https://b", &recordingSink{}))
	assert.Equal(t, "https://a", tr.URL())
	assert.Equal(t, StateRunning, tr.State())

	require.Eventually(t, func() bool { return fetcher.Calls() >= 3 }, time.Second, time.Millisecond)
	tr.Stop(context.Background())
	assert.False(t, fetcher.overlap.Load())
}

func TestStopOnIdleTrackerIsNoop(t *testing.T) {
	tr := newTracker(t, &scriptedFetcher{script: []fetchResult{{}}}, newSeen(t))
	assert.True(t, tr.Stop(context.Background()))
	assert.Equal(t, StateIdle, tr.State())
	assert.False(t, tr.IsRunning())
}

func TestStoppedTrackerCannotRestart(t *testing.T) {
	tr := newTracker(t, &scriptedFetcher{script: []fetchResult{{}}}, newSeen(t))
	require.NoError(t, tr.Start("https://a", &recordingSink{}))
	assert.True(t, tr.Stop(context.Background()))
	assert.Equal(t, StateStopped, tr.State())

	assert.ErrorIs(t, tr.Start("https://a", &recordingSink{}), ErrStopped)
	// A second stop is harmless.
	assert.True(t, tr.Stop(context.Background()))
	assert.Equal(t, StateStopped, tr.State())
}

func TestStopInterruptsSleep(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{}}}
	tr := New(Config{FilterName: "Kyiv", Interval: time.Hour, StopTimeout: time.Second},
		Deps{Fetcher: fetcher, Seen: newSeen(t), Logger: zaptest.NewLogger(t)})

	require.NoError(t, tr.Start("https://a", &recordingSink{}))
	require.Eventually(t, func() bool { return fetcher.Calls() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	assert.True(t, tr.Stop(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStopTimesOutOnStuckFetch(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{}, 1)
	fetcher := listing.FetcherFunc(func(context.Context, string) ([]listing.Ad, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	})
	// The abandoned loop outlives the test, so it must not log through t.
	tr := New(Config{FilterName: "Kyiv", Interval: time.Millisecond, StopTimeout: 20 * time.Millisecond},
		Deps{Fetcher: fetcher, Seen: newSeen(t), Logger: zap.NewNop()})

	require.NoError(t, tr.Start("https://a", &recordingSink{}))
	<-entered

	assert.False(t, tr.Stop(context.Background()))
	assert.Equal(t, StateStopped, tr.State())
	assert.False(t, tr.IsRunning())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBatchUsesInjectedIDsAndClock(t *testing.T) {
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	fetcher := &scriptedFetcher{script: []fetchResult{{ads: ads("1")}}}
	sink := memory.New()
	tr := New(Config{SubscriberID: "42", FilterName: "Kyiv", Interval: 5 * time.Millisecond},
		Deps{
			Fetcher: fetcher,
			Seen:    newSeen(t),
			IDs:     uuid.New(),
			Clock:   system.Fixed(at),
			Logger:  zaptest.NewLogger(t),
		})

	require.NoError(t, tr.Start("https://www.olx.ua/uk/kyiv", sink))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, time.Millisecond)
	tr.Stop(context.Background())

	batch := sink.Batches()[0]
	assert.True(t, uuid.Valid(batch.ID))
	assert.Equal(t, at, batch.CreatedAt)
}

func TestCycleEmitsPollSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	fetcher := &scriptedFetcher{script: []fetchResult{{ads: ads("1", "2")}}}
	tr := newTracker(t, fetcher, newSeen(t))
	tr.cycle(context.Background(), "https://www.olx.ua/uk/kyiv", memory.New())

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "tracker.poll", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("adwatch.filter", "Kyiv"))
	assert.Contains(t, spans[0].Attributes, attribute.Int("adwatch.ads.new", 2))
}
