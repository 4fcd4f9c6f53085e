package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// LogSink writes each ad of a batch as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(_ context.Context, batch Batch) error {
	for _, ad := range batch.Ads {
		s.logger.Info("new ad",
			zap.String("batch_id", batch.ID),
			zap.String("subscriber_id", batch.SubscriberID),
			zap.String("filter", batch.FilterName),
			zap.String("ad_id", ad.ID),
			zap.String("url", ad.URL),
			zap.String("caption", Caption(ad)),
		)
	}
	return nil
}

// Fanout delivers a batch to every child sink, even after one fails, and
// returns the joined errors.
type Fanout []Sink

// Notify implements Sink.
func (f Fanout) Notify(ctx context.Context, batch Batch) error {
	var errs []error
	for i, sink := range f {
		if sink == nil {
			continue
		}
		if err := <-Deliver(ctx, sink, batch); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, sink, err))
		}
	}
	return errors.Join(errs...)
}
