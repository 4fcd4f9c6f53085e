// Package backup copies the JSON stores to a blob store on a cron schedule.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/adwatch/internal/metrics"
	"github.com/JakeFAU/adwatch/internal/storage"
)

const timestampLayout = "20060102T150405Z"

// Snapshotter returns the current bytes of a persisted document.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
}

// Source is one document to back up, written as <prefix>/<timestamp>/<Name>.
type Source struct {
	Name string
	Data Snapshotter
}

// Config controls scheduling and object naming.
type Config struct {
	// Schedule is a standard five-field cron expression, or a descriptor
	// such as "@hourly".
	Schedule string
	Prefix   string
	// Timeout bounds one run; zero means one minute.
	Timeout time.Duration
}

// Job uploads snapshots of every source.
type Job struct {
	cfg     Config
	store   storage.BlobStore
	sources []Source
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New constructs a Job.
func New(cfg Config, store storage.BlobStore, logger *zap.Logger, sources ...Source) (*Job, error) {
	if store == nil {
		return nil, fmt.Errorf("backup store is required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one backup source is required")
	}
	for _, src := range sources {
		if src.Name == "" || src.Data == nil {
			return nil, fmt.Errorf("backup source needs a name and data")
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		cfg:     cfg,
		store:   store,
		sources: sources,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Run uploads one snapshot of every source and returns the object URIs that
// were written. A failing source does not stop the others.
func (j *Job) Run(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	stamp := j.now().UTC().Format(timestampLayout)
	var (
		uris []string
		errs []error
	)
	for _, src := range j.sources {
		uri, err := j.upload(ctx, stamp, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		uris = append(uris, uri)
	}

	if err := errors.Join(errs...); err != nil {
		metrics.ObserveBackup("failed")
		j.logger.Error("snapshot backup failed", zap.Strings("written", uris), zap.Error(err))
		return uris, err
	}
	metrics.ObserveBackup("ok")
	j.logger.Info("snapshot backup written", zap.Strings("objects", uris))
	return uris, nil
}

func (j *Job) upload(ctx context.Context, stamp string, src Source) (string, error) {
	data, err := src.Data.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot %s: %w", src.Name, err)
	}
	objectPath := path.Join(strings.Trim(j.cfg.Prefix, "/"), stamp, src.Name)
	uri, err := j.store.PutObject(ctx, objectPath, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", src.Name, err)
	}
	return uri, nil
}

// Start schedules Run. Overlapping runs are skipped rather than queued.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("backup job already started")
	}
	if strings.TrimSpace(j.cfg.Schedule) == "" {
		return fmt.Errorf("backup schedule is required")
	}

	log := cronLogger{logger: j.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		_, _ = j.Run(context.Background())
	}); err != nil {
		return fmt.Errorf("parse backup schedule %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("snapshot backups scheduled", zap.String("schedule", j.cfg.Schedule))
	return nil
}

// Stop halts the schedule and waits for a running backup, or ctx.
func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running backup: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
