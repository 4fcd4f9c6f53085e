// Package main wires together the adwatch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adwatch/internal/api"
	"github.com/JakeFAU/adwatch/internal/clock/system"
	"github.com/JakeFAU/adwatch/internal/config"
	"github.com/JakeFAU/adwatch/internal/fetcher"
	"github.com/JakeFAU/adwatch/internal/filters"
	"github.com/JakeFAU/adwatch/internal/id/uuid"
	"github.com/JakeFAU/adwatch/internal/kvstore"
	"github.com/JakeFAU/adwatch/internal/logging"
	"github.com/JakeFAU/adwatch/internal/metrics"
	"github.com/JakeFAU/adwatch/internal/pool"
	"github.com/JakeFAU/adwatch/internal/supervisor"
	"github.com/JakeFAU/adwatch/internal/telemetry"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("adwatch exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	filterStore, err := kvstore.New[string](kvstore.Config{
		Path:   cfg.Storage.FiltersFile,
		Logger: logger.Named("filters"),
	})
	if err != nil {
		return fmt.Errorf("open filter store: %w", err)
	}
	registry := filters.New(filterStore)

	seenRegistry, seenStore, closeSeen, err := openSeen(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeSeen()

	listingFetcher, closeFetcher, err := fetcher.New(cfg.Fetcher, logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}
	defer closeFetcher()

	sinks, closeSinks, err := buildSinks(ctx, cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	sup := supervisor.New(supervisor.Config{
		MaxParallel:   cfg.Tracker.MaxParallel,
		Interval:      cfg.Tracker.Interval,
		StopTimeout:   cfg.Tracker.StopTimeout,
		NotifyTimeout: cfg.Notify.Timeout,
	}, supervisor.Deps{
		Filters: registry,
		Seen:    seenRegistry,
		Fetcher: listingFetcher,
		Pool:    pool.New(cfg.Tracker.Workers),
		Sinks:   sinks,
		IDs:     uuid.New(),
		Clock:   system.New(),
		Logger:  logger.Named("supervisor"),
	})

	backupJob, closeBackup, err := buildBackup(ctx, cfg.Backup, filterStore, seenStore, logger)
	if err != nil {
		return err
	}
	defer closeBackup()
	if backupJob != nil {
		if err := backupJob.Start(); err != nil {
			return fmt.Errorf("start backup: %w", err)
		}
	}

	apiServer := api.NewServer(sup, registry, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("fetcher", cfg.Fetcher.Kind),
			zap.String("seen_backend", cfg.Storage.Backend),
			zap.Int("max_parallel", sup.MaxParallel()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	sup.StopAll(shutdownCtx)
	if backupJob != nil {
		if err := backupJob.Stop(shutdownCtx); err != nil {
			logger.Warn("backup stop failed", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	return nil
}
