// Package fetcher selects and composes listing fetchers.
package fetcher

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/adwatch/internal/config"
	collyfetcher "github.com/JakeFAU/adwatch/internal/fetcher/colly"
	"github.com/JakeFAU/adwatch/internal/fetcher/headless"
	"github.com/JakeFAU/adwatch/internal/listing"
	"github.com/JakeFAU/adwatch/internal/metrics"
	"github.com/JakeFAU/adwatch/internal/olx"
	"github.com/JakeFAU/adwatch/internal/ratelimit"
)

// PageFetcher returns the raw body of a listing page.
type PageFetcher interface {
	Page(ctx context.Context, rawURL string) (collyfetcher.Page, error)
}

// Promoting fetches over HTTP and re-fetches through Headless when the
// response looks like an unrendered app shell.
type Promoting struct {
	HTTP     PageFetcher
	Headless listing.Fetcher
	Detector olx.Detector
	Parse    olx.ParseOptions
	Base     *url.URL
	Logger   *zap.Logger
}

// Fetch implements listing.Fetcher.
func (p *Promoting) Fetch(ctx context.Context, rawURL string) ([]listing.Ad, error) {
	page, err := p.HTTP.Page(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("http fetch: %w", err)
	}
	if !p.Detector.NeedsRender(page.Body) {
		return olx.ParseHTML(page.Body, p.Base, p.Parse)
	}

	metrics.ObserveFetchPromotion(rawURL)
	if p.Logger != nil {
		p.Logger.Debug("promoting fetch to headless", zap.Int("body_bytes", len(page.Body)))
	}
	ads, err := p.Headless.Fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("headless fetch: %w", err)
	}
	return ads, nil
}

// New builds the fetcher named by cfg.Kind. The returned close func releases
// any browser the fetcher started and is never nil.
func New(cfg config.FetcherConfig, logger *zap.Logger) (listing.Fetcher, func(), error) {
	parse := olx.ParseOptions{TodayOnly: cfg.TodayOnly, TodayMarker: cfg.TodayMarker}
	httpFetcher := func() *collyfetcher.Fetcher {
		return collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.UserAgent,
			RespectRobots: cfg.RespectRobots,
			Timeout:       cfg.Timeout,
			Parse:         parse,
		})
	}
	headlessFetcher := func() (*headless.Fetcher, error) {
		return headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.HeadlessMaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Timeout,
			SettleDelay:       cfg.SettleDelay,
			Parse:             parse,
		})
	}

	var (
		f       listing.Fetcher
		closeFn = func() {}
	)
	switch cfg.Kind {
	case config.FetcherHTTP, "":
		f = httpFetcher()
	case config.FetcherHeadless:
		h, err := headlessFetcher()
		if err != nil {
			return nil, nil, fmt.Errorf("headless fetcher: %w", err)
		}
		f, closeFn = h, h.Close
	case config.FetcherAuto:
		h, err := headlessFetcher()
		if err != nil {
			return nil, nil, fmt.Errorf("headless fetcher: %w", err)
		}
		f = &Promoting{
			HTTP:     httpFetcher(),
			Headless: h,
			Detector: olx.Detector{MinHTMLBytes: 2048},
			Parse:    parse,
			Logger:   logger,
		}
		closeFn = h.Close
	default:
		return nil, nil, fmt.Errorf("unknown fetcher kind %q", cfg.Kind)
	}

	if cfg.RateLimitRPS > 0 {
		f = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}).Wrap(f)
	}
	return f, closeFn, nil
}
