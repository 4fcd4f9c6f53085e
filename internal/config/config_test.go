package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tracker.Interval != time.Minute {
		t.Fatalf("expected 60s interval, got %v", cfg.Tracker.Interval)
	}
	if cfg.Tracker.MaxParallel != 3 {
		t.Fatalf("expected max_parallel 3, got %d", cfg.Tracker.MaxParallel)
	}
	if cfg.Tracker.StopTimeout != 5*time.Second {
		t.Fatalf("expected 5s stop timeout, got %v", cfg.Tracker.StopTimeout)
	}
	if cfg.Storage.FiltersFile != "filters.json" || cfg.Storage.SeenFile != "seen_ads.json" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Telemetry.ServiceName != "adwatch" || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
	if cfg.Backup.Enabled() || cfg.Notify.EmailEnabled() || cfg.Notify.PubSubEnabled() {
		t.Fatalf("optional integrations should be disabled by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: warn
storage:
  filters_file: /data/filters.json
  seen_file: /data/seen.json
  backend: postgres
  postgres_dsn: postgres://localhost/adwatch
tracker:
  interval: 90s
  stop_timeout: 2s
  max_parallel: 5
  workers: 2
fetcher:
  kind: headless
  headless_max_parallel: 2
  today_only: false
notify:
  pubsub_project: proj
  pubsub_topic: ads
  smtp_host: smtp.example.com
  email_to: me@example.com
backup:
  schedule: "@hourly"
  gcs_bucket: bucket
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Tracker.Interval != 90*time.Second || cfg.Tracker.MaxParallel != 5 {
		t.Fatalf("expected tracker overrides to apply: %+v", cfg.Tracker)
	}
	if cfg.Storage.Backend != BackendPostgres || cfg.Storage.SeenTable != "seen_ads" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if cfg.Fetcher.Kind != FetcherHeadless || cfg.Fetcher.TodayOnly {
		t.Fatalf("expected fetcher overrides to apply: %+v", cfg.Fetcher)
	}
	if !cfg.Notify.PubSubEnabled() || !cfg.Notify.EmailEnabled() {
		t.Fatalf("expected notify sinks enabled: %+v", cfg.Notify)
	}
	if !cfg.Backup.Enabled() || cfg.Backup.Prefix != "snapshots" {
		t.Fatalf("expected backup enabled with default prefix: %+v", cfg.Backup)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Storage: StorageConfig{
			FiltersFile: "filters.json",
			SeenFile:    "seen.json",
			Backend:     BackendFile,
		},
		Tracker: TrackerConfig{
			Interval:    time.Second,
			StopTimeout: time.Second,
			MaxParallel: 1,
			Workers:     1,
		},
		Fetcher: FetcherConfig{Kind: FetcherHTTP, Timeout: time.Second},
		Notify:  NotifyConfig{Timeout: time.Second},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid interval", mutate: func(c *Config) { c.Tracker.Interval = 0 }, want: "tracker.interval"},
		{name: "invalid max parallel", mutate: func(c *Config) { c.Tracker.MaxParallel = 0 }, want: "tracker.max_parallel"},
		{name: "invalid workers", mutate: func(c *Config) { c.Tracker.Workers = 0 }, want: "tracker.workers"},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "redis" }, want: "storage.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Backend = BackendPostgres }, want: "storage.postgres_dsn"},
		{name: "unknown fetcher", mutate: func(c *Config) { c.Fetcher.Kind = "selenium" }, want: "fetcher.kind"},
		{
			name: "headless without parallelism",
			mutate: func(c *Config) {
				c.Fetcher.Kind = FetcherHeadless
				c.Fetcher.HeadlessMaxParallel = 0
			},
			want: "fetcher.headless_max_parallel",
		},
		{name: "negative rate limit", mutate: func(c *Config) { c.Fetcher.RateLimitRPS = -1 }, want: "fetcher.rate_limit_rps"},
		{name: "half pubsub", mutate: func(c *Config) { c.Notify.PubSubTopic = "ads" }, want: "notify.pubsub_project"},
		{name: "negative sample ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = -1 }, want: "telemetry.sample_ratio"},
		{name: "backup without target", mutate: func(c *Config) { c.Backup.Schedule = "@daily" }, want: "backup.gcs_bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
