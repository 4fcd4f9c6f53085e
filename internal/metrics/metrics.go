// Package metrics exposes Prometheus collectors for the adwatch service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes recorded by ObservePoll.
const (
	PollOK         = "ok"
	PollFetchError = "fetch_error"
	PollStoreError = "store_error"
)

// Delivery outcomes recorded by ObserveDelivery.
const (
	DeliveryOK     = "delivered"
	DeliveryFailed = "failed"
	// DeliveryTimedOut marks a sink that overran the notify timeout. The
	// final outcome of the same batch is recorded separately.
	DeliveryTimedOut = "timed_out"
)

var (
	pollsTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	adsFetchedTotal            *prometheus.CounterVec
	adsNewTotal                *prometheus.CounterVec
	deliveriesTotal            *prometheus.CounterVec
	admissionsTotal            *prometheus.CounterVec
	backupsTotal               *prometheus.CounterVec
	trackersActive             prometheus.Gauge
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	fetchPromotionsTotal       *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adwatch_polls_total",
				Help: "Total number of tracker poll cycles, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adwatch_fetch_duration_seconds",
				Help:    "Histogram of listing fetch latencies, labeled by site.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"site"},
		)

		adsFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adwatch_ads_fetched_total",
				Help: "Total number of ads returned by listing fetches, labeled by filter.",
			},
			[]string{"filter"},
		)

		adsNewTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adwatch_ads_new_total",
				Help: "Total number of previously unseen ads, labeled by filter.",
			},
			[]string{"filter"},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adwatch_deliveries_total",
				Help: "Total number of notification batches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adwatch_admissions_total",
				Help: "Total number of start-tracking requests, labeled by result.",
			},
			[]string{"result"},
		)

		backupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adwatch_backups_total",
				Help: "Total number of snapshot backups, labeled by status.",
			},
			[]string{"status"},
		)

		trackersActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "adwatch_trackers_active",
				Help: "Number of trackers currently registered with the supervisor.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "adwatch_active_workers",
				Help: "Number of pool workers currently running a blocking fetch.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adwatch_robots_fallback_total",
				Help: "Total robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		fetchPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adwatch_fetch_promotions_total",
				Help: "Total HTTP fetches promoted to a headless render, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adwatch_rate_limit_delay_seconds",
				Help:    "Time fetches spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePoll records one poll cycle and how long its fetch took.
func ObservePoll(site, outcome string, fetchDuration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pollsTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if fetchDuration > 0 {
		fetchDurationSeconds.WithLabelValues(sanitizedSite).Observe(fetchDuration.Seconds())
	}
}

// ObserveAds records how many ads a fetch returned and how many were new.
func ObserveAds(filter string, fetched, fresh int) {
	Init()
	if fetched > 0 {
		adsFetchedTotal.WithLabelValues(filter).Add(float64(fetched))
	}
	if fresh > 0 {
		adsNewTotal.WithLabelValues(filter).Add(float64(fresh))
	}
}

// ObserveDelivery records a notification batch outcome.
func ObserveDelivery(outcome string) {
	Init()
	deliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveAdmission records a supervisor start-tracking decision.
func ObserveAdmission(result string) {
	Init()
	admissionsTotal.WithLabelValues(result).Inc()
}

// ObserveBackup records a snapshot backup run.
func ObserveBackup(status string) {
	Init()
	backupsTotal.WithLabelValues(status).Inc()
}

// SetActiveTrackers sets the registered tracker gauge.
func SetActiveTrackers(n int) {
	Init()
	trackersActive.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback records a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveFetchPromotion records an HTTP fetch promoted to a headless render.
func ObserveFetchPromotion(site string) {
	Init()
	fetchPromotionsTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records time spent waiting for a rate limiter token.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}
