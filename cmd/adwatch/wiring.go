package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/adwatch/internal/backup"
	"github.com/JakeFAU/adwatch/internal/config"
	"github.com/JakeFAU/adwatch/internal/kvstore"
	"github.com/JakeFAU/adwatch/internal/logging"
	"github.com/JakeFAU/adwatch/internal/notify"
	"github.com/JakeFAU/adwatch/internal/notify/email"
	"github.com/JakeFAU/adwatch/internal/notify/pubsub"
	"github.com/JakeFAU/adwatch/internal/seen"
	"github.com/JakeFAU/adwatch/internal/storage"
	"github.com/JakeFAU/adwatch/internal/storage/gcs"
	"github.com/JakeFAU/adwatch/internal/storage/local"
	"github.com/JakeFAU/adwatch/internal/storage/postgres"
	"github.com/JakeFAU/adwatch/internal/supervisor"
)

// openSeen returns the configured seen registry. The JSON document store is
// returned too for the file backend, and is nil for postgres.
func openSeen(
	ctx context.Context,
	cfg config.StorageConfig,
	logger *zap.Logger,
) (seen.Registry, *kvstore.Store[[]string], func(), error) {
	if cfg.Backend != config.BackendPostgres {
		fileStore, err := kvstore.New[[]string](kvstore.Config{
			Path:   cfg.SeenFile,
			Logger: logger.Named("seen"),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open seen store: %w", err)
		}
		return seen.NewFileRegistry(fileStore), fileStore, func() {}, nil
	}
	store, err := postgres.NewSeenStore(ctx, postgres.SeenStoreConfig{
		DSN:   cfg.PostgresDSN,
		Table: cfg.SeenTable,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres seen store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("ensure seen schema: %w", err)
	}
	logger.Info("using postgres seen store", zap.String("table", cfg.SeenTable))
	return store, nil, store.Close, nil
}

// buildSinks returns a factory that gives every subscription the log sink
// plus whichever shared Pub/Sub and SMTP sinks are configured.
func buildSinks(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (supervisor.SinkFactory, func(), error) {
	var shared notify.Fanout
	closeFn := func() {}

	if cfg.PubSubEnabled() {
		topic, err := pubsub.OpenTopic(ctx, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("open pubsub topic: %w", err)
		}
		shared = append(shared, pubsub.NewSink(topic))
		closeFn = func() {
			if err := topic.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}
		logger.Info("pubsub notifications enabled", zap.String("topic", cfg.PubSubTopic))
	}

	if cfg.EmailEnabled() {
		sender, err := email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLSMode:  cfg.SMTPTLSMode,
		})
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("init smtp sender: %w", err)
		}
		shared = append(shared, email.NewSink(sender, cfg.EmailFrom, cfg.EmailTo))
		logger.Info("email notifications enabled",
			zap.String("smtp_host", cfg.SMTPHost),
			zap.String("tls_mode", string(sender.Mode())),
		)
	}

	base := logger.Named("notify")
	factory := func(subscriberID, filterName string) notify.Sink {
		sinks := append(notify.Fanout{}, shared...)
		if cfg.Log || len(sinks) == 0 {
			sinks = append(sinks, notify.NewLogSink(logging.Subscriber(base, subscriberID, filterName)))
		}
		if len(sinks) == 1 {
			return sinks[0]
		}
		return sinks
	}
	return factory, closeFn, nil
}

// buildBackup returns nil when no schedule is set. seenStore is nil with the
// postgres backend, in which case only the filter document is backed up.
func buildBackup(
	ctx context.Context,
	cfg config.BackupConfig,
	filterStore *kvstore.Store[string],
	seenStore *kvstore.Store[[]string],
	logger *zap.Logger,
) (*backup.Job, func(), error) {
	if !cfg.Enabled() {
		return nil, func() {}, nil
	}

	var (
		store   storage.BlobStore
		closeFn = func() {}
	)
	if cfg.GCSBucket != "" {
		gcsStore, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, nil, fmt.Errorf("open backup bucket: %w", err)
		}
		store = gcsStore
		closeFn = func() {
			if err := gcsStore.Close(); err != nil {
				logger.Warn("gcs close failed", zap.Error(err))
			}
		}
	} else {
		localStore, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open backup directory: %w", err)
		}
		store = localStore
	}

	sources := []backup.Source{{Name: "filters.json", Data: filterStore}}
	if seenStore != nil {
		sources = append(sources, backup.Source{Name: "seen_ads.json", Data: seenStore})
	}
	job, err := backup.New(backup.Config{
		Schedule: cfg.Schedule,
		Prefix:   cfg.Prefix,
	}, store, logger.Named("backup"), sources...)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("init backup: %w", err)
	}
	return job, closeFn, nil
}
