// Package api hosts the HTTP control surface for adwatch. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/filters for managing named search URLs.
//   - /v1/subscribers/{id}/tracking for starting, stopping and inspecting a
//     subscriber's tracker.
//   - GET /v1/subscriptions for every registered tracker.
package api
