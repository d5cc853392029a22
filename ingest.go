// Package ingest polls GTFS Schedule and GTFS Realtime feeds and
// appends every new version to storage.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"gtfs2series.dev/ingest/model"
)

const (
	DefaultScheduleInterval = 24 * time.Hour
	DefaultRealtimeInterval = 30 * time.Second
	DefaultScheduleTimeout  = 60 * time.Second
	DefaultScheduleMaxSize  = 800 << 20 // 800 MB
	DefaultRealtimeTimeout  = 30 * time.Second
	DefaultRealtimeMaxSize  = 10 << 20 // 10 MB
	DefaultMaxRetries       = 3
)

// Cycle outcomes, as reported to Metrics.
const (
	OutcomeIngested  = "ingested"
	OutcomeUnchanged = "unchanged"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Metrics receives per-cycle measurements from the jobs.
type Metrics interface {
	CycleCompleted(job string, outcome string, duration time.Duration)
	RowsWritten(table string, n int)
}

// Notifier is told about every feed and feed message persisted.
type Notifier interface {
	FeedIngested(ctx context.Context, feed model.Feed, rows int) error
	FeedMessageIngested(ctx context.Context, msg model.FeedMessage, entities int) error
}

// Runs poll once right away and then on every tick, until ctx is
// done. A slow cycle makes the ticker drop ticks rather than queue
// them.
func runEvery(ctx context.Context, interval time.Duration, logger *slog.Logger, poll func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := poll(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("cycle failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", component))
}
