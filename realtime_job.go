package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gtfs2series.dev/ingest/downloader"
	"gtfs2series.dev/ingest/logging"
	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/parse"
	"gtfs2series.dev/ingest/storage"
)

// RealtimeJob ingests every new feed message published at a GTFS
// Realtime URL. Each URL carries entities of a single type.
type RealtimeJob struct {
	URL        string
	EntityType model.EntityType
	Interval   time.Duration
	Options    downloader.GetOptions

	Downloader downloader.Downloader
	Storage    storage.Storage
	Logger     *slog.Logger

	// Optional.
	Metrics  Metrics
	Notifier Notifier

	state     RealtimeState
	recovered bool
}

func NewRealtimeJob(url string, entityType model.EntityType, s storage.Storage) *RealtimeJob {
	return &RealtimeJob{
		URL:        url,
		EntityType: entityType,
		Interval:   DefaultRealtimeInterval,
		Options: downloader.GetOptions{
			Timeout:    DefaultRealtimeTimeout,
			MaxSize:    DefaultRealtimeMaxSize,
			MaxRetries: DefaultMaxRetries,
		},
		Downloader: downloader.NewHTTP(),
		Storage:    s,
	}
}

func (j *RealtimeJob) Name() string {
	return "realtime_" + string(j.EntityType)
}

// Run polls until ctx is done.
func (j *RealtimeJob) Run(ctx context.Context) {
	runEvery(ctx, j.Interval, componentLogger(j.Logger, j.Name()), j.Poll)
}

// Poll runs a single cycle.
func (j *RealtimeJob) Poll(ctx context.Context) error {
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

func (j *RealtimeJob) recover(ctx context.Context) error {
	if j.recovered {
		return nil
	}

	msg, err := j.Storage.LatestFeedMessage(ctx, j.EntityType)
	if errors.Is(err, storage.ErrNotFound) {
		j.recovered = true
		return nil
	}
	if err != nil {
		return &PersistenceError{Table: storage.FeedMessagesTable.Name, Err: err}
	}

	j.state.Accept(uint64(msg.Timestamp.Unix()))
	j.recovered = true
	logging.LogOperation(logging.FromContext(ctx), "recovered feed message timestamp",
		slog.Time("timestamp", msg.Timestamp))
	return nil
}

func (j *RealtimeJob) poll(ctx context.Context) (string, error) {
	logger := logging.FromContext(ctx)

	err := j.recover(ctx)
	if err != nil {
		logging.LogWarn(logger, "recovering state", err)
	}

	resp, err := j.Downloader.Get(ctx, j.URL, j.Options)
	if err != nil {
		return "", &FetchError{URL: j.URL, Err: err}
	}

	rt, err := parse.ParseRealtime(resp.Body, j.EntityType)
	if err != nil {
		return "", &ParseError{Op: "feed message", Err: err}
	}

	timestamp := uint64(rt.Message.Timestamp.Unix())
	logger = logger.With(slog.Time("timestamp", rt.Message.Timestamp))

	if !j.state.Changed(timestamp) {
		logger.Info("duplicate feed message")
		return OutcomeDuplicate, nil
	}

	err = j.Storage.Append(ctx, storage.FeedMessagesTable.Name, []model.Record{rt.MessageRecord()})
	if err != nil {
		return "", &PersistenceError{Table: storage.FeedMessagesTable.Name, Err: err}
	}
	j.state.Accept(timestamp)
	j.rowsWritten(storage.FeedMessagesTable.Name, 1)

	for _, skipped := range rt.Skipped {
		logging.LogWarn(logger, "entity skipped", &ValidationError{Op: string(j.EntityType), Err: skipped})
	}

	// Children reference their parents, so a failed parent batch
	// takes its children down with it. Those failures are logged
	// too.
	for _, batch := range rt.Batches() {
		err := j.Storage.Append(ctx, batch.Table.Name, batch.Records)
		if err != nil {
			logging.LogError(logger, "batch failed",
				&PersistenceError{Table: batch.Table.Name, Err: err},
				slog.Int("rows", len(batch.Records)))
			continue
		}
		j.rowsWritten(batch.Table.Name, len(batch.Records))
	}

	logging.LogOperation(logger, "feed message recorded",
		slog.Int("entities", len(rt.Entities)),
		slog.Int("skipped", len(rt.Skipped)))

	if j.Notifier != nil {
		err = j.Notifier.FeedMessageIngested(ctx, rt.Message, len(rt.Entities))
		if err != nil {
			logging.LogWarn(logger, "notifying", err)
		}
	}

	return OutcomeIngested, nil
}

func (j *RealtimeJob) rowsWritten(table string, n int) {
	if j.Metrics != nil {
		j.Metrics.RowsWritten(table, n)
	}
}
