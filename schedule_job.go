package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gtfs2series.dev/ingest/downloader"
	"gtfs2series.dev/ingest/logging"
	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/parse"
	"gtfs2series.dev/ingest/storage"
)

// ScheduleJob ingests a GTFS Schedule archive whenever its freshness
// tag changes.
type ScheduleJob struct {
	URL           string
	TransitSystem string
	Interval      time.Duration
	Options       downloader.GetOptions
	BatchSize     int

	Downloader downloader.Downloader
	Storage    storage.Storage
	Logger     *slog.Logger

	// Optional.
	Metrics  Metrics
	Notifier Notifier

	state     ScheduleState
	recovered bool
}

func NewScheduleJob(url string, transitSystem string, s storage.Storage) *ScheduleJob {
	return &ScheduleJob{
		URL:           url,
		TransitSystem: transitSystem,
		Interval:      DefaultScheduleInterval,
		Options: downloader.GetOptions{
			Timeout:    DefaultScheduleTimeout,
			MaxSize:    DefaultScheduleMaxSize,
			MaxRetries: DefaultMaxRetries,
		},
		BatchSize:  storage.DefaultBatchSize,
		Downloader: downloader.NewHTTP(),
		Storage:    s,
	}
}

func (j *ScheduleJob) Name() string {
	return "schedule"
}

// Run polls until ctx is done.
func (j *ScheduleJob) Run(ctx context.Context) {
	runEvery(ctx, j.Interval, componentLogger(j.Logger, j.Name()), j.Poll)
}

// Poll runs a single cycle.
func (j *ScheduleJob) Poll(ctx context.Context) error {
	logger := componentLogger(j.Logger, j.Name())
	start := time.Now()

	outcome, err := j.poll(logging.WithLogger(ctx, logger))
	if err != nil {
		outcome = OutcomeFailed
	}
	if j.Metrics != nil {
		j.Metrics.CycleCompleted(j.Name(), outcome, time.Since(start))
	}

	return err
}

// Picks up the tag of the latest feed persisted for the transit
// system, so that restarts don't re-ingest it.
func (j *ScheduleJob) recover(ctx context.Context) error {
	if j.recovered {
		return nil
	}

	feed, err := j.Storage.LatestFeed(ctx, j.TransitSystem)
	if errors.Is(err, storage.ErrNotFound) {
		j.recovered = true
		return nil
	}
	if err != nil {
		return &PersistenceError{Table: storage.FeedsTable.Name, Err: err}
	}

	j.state.Accept(feed.Tag)
	j.recovered = true
	logging.LogOperation(logging.FromContext(ctx), "recovered feed tag",
		slog.String("feed_id", feed.ID),
		slog.String("feed_tag", feed.Tag))
	return nil
}

func (j *ScheduleJob) poll(ctx context.Context) (string, error) {
	logger := logging.FromContext(ctx)

	err := j.recover(ctx)
	if err != nil {
		// Without a known tag the feed is simply fetched again.
		logging.LogWarn(logger, "recovering state", err)
	}

	head, err := j.Downloader.Head(ctx, j.URL, j.Options)
	if err != nil {
		return "", &FetchError{URL: j.URL, Err: err}
	}

	tag := head.ETag
	if tag == "" {
		tag = head.LastModified
	}
	if tag != "" && !j.state.Changed(tag) {
		logging.LogOperation(logger, "schedule unchanged", slog.String("feed_tag", tag))
		return OutcomeUnchanged, nil
	}

	resp, err := j.Downloader.Get(ctx, j.URL, j.Options)
	if err != nil {
		return "", &FetchError{URL: j.URL, Err: err}
	}

	lastModified, err := http.ParseTime(head.LastModified)
	if err != nil {
		lastModified = resp.RetrievedAt
	}
	if tag == "" {
		tag = fmt.Sprintf("sha256:%x", sha256.Sum256(resp.Body))
		if !j.state.Changed(tag) {
			logging.LogOperation(logger, "schedule unchanged", slog.String("feed_tag", tag))
			return OutcomeUnchanged, nil
		}
	}

	feed := model.Feed{
		ID:            model.FeedID(lastModified),
		Tag:           tag,
		LastModified:  lastModified.UTC(),
		TransitSystem: j.TransitSystem,
	}
	logger = logger.With(slog.String("feed_id", feed.ID))
	logging.LogOperation(logger, "new schedule detected", slog.String("feed_tag", tag))

	schedule, err := parse.NewSchedule(resp.Body, feed)
	if err != nil {
		return "", &ParseError{Op: "schedule archive", Err: err}
	}
	schedule.Warn = func(err error) {
		logging.LogWarn(logger, "record skipped", &ValidationError{Op: "schedule", Err: err})
	}

	n, err := j.Storage.Count(ctx, storage.FeedsTable.Name, storage.Filter{"feed_id": feed.ID})
	if err != nil {
		return "", &PersistenceError{Table: storage.FeedsTable.Name, Err: err}
	}
	if n > 0 {
		logger.Info("feed already ingested", slog.String("error", ErrDuplicateFeed.Error()))
		j.state.Accept(tag)
		return OutcomeDuplicate, nil
	}

	err = j.Storage.Append(ctx, storage.FeedsTable.Name, []model.Record{schedule.FeedRecord()})
	if err != nil {
		return "", &PersistenceError{Table: storage.FeedsTable.Name, Err: err}
	}
	j.state.Accept(tag)
	j.rowsWritten(storage.FeedsTable.Name, 1)

	rows := 0
	for _, table := range storage.ScheduleTables {
		if !schedule.Has(table) {
			continue
		}

		start := time.Now()
		written := 0
		err := schedule.Normalize(table, j.batchSize(), func(records []model.Record) error {
			err := j.Storage.Append(ctx, table.Name, records)
			if err != nil {
				return &PersistenceError{Table: table.Name, Err: err}
			}
			written += len(records)
			j.rowsWritten(table.Name, len(records))
			return nil
		})
		rows += written

		if err != nil {
			var persistErr *PersistenceError
			if !errors.As(err, &persistErr) {
				err = &ParseError{Op: table.Name, Err: err}
			}
			logging.LogError(logger, "table aborted", err,
				slog.String("table", table.Name),
				slog.Int("rows", written))
			continue
		}

		logging.LogOperation(logger, "table loaded",
			slog.String("table", table.Name),
			slog.Int("rows", written),
			slog.Duration("duration", time.Since(start)))
	}

	if j.Notifier != nil {
		err = j.Notifier.FeedIngested(ctx, feed, rows)
		if err != nil {
			logging.LogWarn(logger, "notifying", err)
		}
	}

	return OutcomeIngested, nil
}

func (j *ScheduleJob) batchSize() int {
	if j.BatchSize <= 0 {
		return storage.DefaultBatchSize
	}
	return j.BatchSize
}

func (j *ScheduleJob) rowsWritten(table string, n int) {
	if j.Metrics != nil {
		j.Metrics.RowsWritten(table, n)
	}
}
