// Package config loads and validates adwatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends for the seen-id registry.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// StorageConfig locates the persisted filter and seen documents.
type StorageConfig struct {
	FiltersFile string `mapstructure:"filters_file"`
	SeenFile    string `mapstructure:"seen_file"`
	Backend     string `mapstructure:"backend"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	SeenTable   string `mapstructure:"seen_table"`
}

// TrackerConfig governs polling cadence and the global concurrency cap.
type TrackerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
	Workers     int           `mapstructure:"workers"`
}

// Fetcher kinds.
const (
	FetcherHTTP     = "http"
	FetcherHeadless = "headless"
	// FetcherAuto fetches over HTTP and promotes to headless when the page
	// looks like an unrendered shell.
	FetcherAuto = "auto"
)

// FetcherConfig selects and tunes the listing fetcher.
type FetcherConfig struct {
	Kind                string        `mapstructure:"kind"`
	UserAgent           string        `mapstructure:"user_agent"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RespectRobots       bool          `mapstructure:"respect_robots"`
	TodayOnly           bool          `mapstructure:"today_only"`
	TodayMarker         string        `mapstructure:"today_marker"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	HeadlessMaxParallel int           `mapstructure:"headless_max_parallel"`
	// RateLimitRPS caps requests per host across all trackers; zero disables.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// NotifyConfig configures the notification sinks.
type NotifyConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	Log           bool          `mapstructure:"log"`
	PubSubProject string        `mapstructure:"pubsub_project"`
	PubSubTopic   string        `mapstructure:"pubsub_topic"`
	SMTPHost      string        `mapstructure:"smtp_host"`
	SMTPPort      int           `mapstructure:"smtp_port"`
	SMTPUsername  string        `mapstructure:"smtp_username"`
	SMTPPassword  string        `mapstructure:"smtp_password"`
	SMTPTLSMode   string        `mapstructure:"smtp_tls_mode"`
	EmailFrom     string        `mapstructure:"email_from"`
	EmailTo       string        `mapstructure:"email_to"`
}

// EmailEnabled reports whether the SMTP sink has enough configuration to run.
func (n NotifyConfig) EmailEnabled() bool {
	return n.SMTPHost != "" && n.EmailTo != ""
}

// PubSubEnabled reports whether the Pub/Sub sink is configured.
func (n NotifyConfig) PubSubEnabled() bool {
	return n.PubSubProject != "" && n.PubSubTopic != ""
}

// BackupConfig schedules snapshot copies of the JSON stores.
type BackupConfig struct {
	Schedule  string `mapstructure:"schedule"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// Enabled reports whether a backup schedule is set.
func (b BackupConfig) Enabled() bool {
	return strings.TrimSpace(b.Schedule) != ""
}

// TelemetryConfig controls span sampling.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("storage.filters_file", "filters.json")
	v.SetDefault("storage.seen_file", "seen_ads.json")
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.seen_table", "seen_ads")
	v.SetDefault("tracker.interval", "60s")
	v.SetDefault("tracker.stop_timeout", "5s")
	v.SetDefault("tracker.max_parallel", 3)
	v.SetDefault("tracker.workers", 3)
	v.SetDefault("fetcher.kind", FetcherHTTP)
	v.SetDefault("fetcher.user_agent", "adwatch/0.1")
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.today_only", true)
	v.SetDefault("fetcher.today_marker", "Сьогодні")
	v.SetDefault("fetcher.settle_delay", "3s")
	v.SetDefault("fetcher.headless_max_parallel", 1)
	v.SetDefault("fetcher.rate_limit_rps", 1.0)
	v.SetDefault("fetcher.rate_limit_burst", 3)
	v.SetDefault("notify.timeout", "30s")
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.smtp_port", 587)
	v.SetDefault("notify.smtp_tls_mode", "auto")
	v.SetDefault("backup.prefix", "snapshots")
	v.SetDefault("telemetry.service_name", "adwatch")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Tracker.Interval <= 0 {
		return fmt.Errorf("tracker.interval must be > 0")
	}
	if c.Tracker.StopTimeout <= 0 {
		return fmt.Errorf("tracker.stop_timeout must be > 0")
	}
	if c.Tracker.MaxParallel <= 0 {
		return fmt.Errorf("tracker.max_parallel must be > 0")
	}
	if c.Tracker.Workers <= 0 {
		return fmt.Errorf("tracker.workers must be > 0")
	}
	if c.Storage.FiltersFile == "" || c.Storage.SeenFile == "" {
		return fmt.Errorf("storage.filters_file and storage.seen_file are required")
	}
	switch c.Storage.Backend {
	case BackendFile:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendFile, BackendPostgres)
	}
	switch c.Fetcher.Kind {
	case FetcherHTTP:
	case FetcherHeadless, FetcherAuto:
		if c.Fetcher.HeadlessMaxParallel <= 0 {
			return fmt.Errorf("fetcher.headless_max_parallel must be > 0 when fetcher.kind is %s", c.Fetcher.Kind)
		}
	default:
		return fmt.Errorf("fetcher.kind must be %q, %q or %q", FetcherHTTP, FetcherHeadless, FetcherAuto)
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Fetcher.RateLimitRPS < 0 {
		return fmt.Errorf("fetcher.rate_limit_rps must be >= 0")
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be > 0")
	}
	if (c.Notify.PubSubProject == "") != (c.Notify.PubSubTopic == "") {
		return fmt.Errorf("notify.pubsub_project and notify.pubsub_topic must be set together")
	}
	if c.Telemetry.SampleRatio < 0 {
		return fmt.Errorf("telemetry.sample_ratio must be >= 0")
	}
	if c.Backup.Enabled() && c.Backup.GCSBucket == "" && c.Backup.LocalDir == "" {
		return fmt.Errorf("backup.gcs_bucket or backup.local_dir must be set when backup.schedule is set")
	}
	return nil
}
