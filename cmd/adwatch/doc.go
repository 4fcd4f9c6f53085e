// Package main hosts the adwatch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, filter management and per-subscriber tracking
//     endpoints. Tracking requests go straight to the supervisor, which enforces the global tracker cap.
//   - Trackers: one goroutine per subscriber polls its filter URL on a fixed interval. Fetch, dedupe and the
//     seen-set write run inside the shared worker pool, keyed by filter name, so two subscribers on the same
//     filter never race on its seen-set.
//   - Fetch pipeline: the Colly fetcher performs plain HTTP fetches; with fetcher.kind=auto, pages that look
//     like unrendered shells are promoted to a headless Chromedp render. Both parse the listing with goquery.
//   - Persistence: filters live in a JSON document; seen ids live in a JSON document or a Postgres table.
//     Optional cron backups copy the JSON documents to GCS or a local directory.
//   - Notifications: new-ad batches fan out to the log, a Pub/Sub topic and an SMTP digest, depending on
//     which are configured. Delivery is at-most-once: ads are marked seen before the sinks run.
//
// Quick checklist:
//   - Configure env vars: ADWATCH_SERVER_PORT, ADWATCH_TRACKER_INTERVAL, ADWATCH_TRACKER_MAX_PARALLEL,
//     ADWATCH_FETCHER_KIND, ADWATCH_STORAGE_BACKEND and ADWATCH_STORAGE_POSTGRES_DSN, notify settings for
//     Pub/Sub or SMTP, and ADWATCH_BACKUP_SCHEDULE with a bucket or directory.
//   - Run locally: go run ./cmd/adwatch -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGINT/SIGTERM by stopping the HTTP server, then every tracker, then the backup
//     scheduler, and finally flushing spans.
package main
