package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ingest "gtfs2series.dev/ingest"
	"gtfs2series.dev/ingest/config"
	"gtfs2series.dev/ingest/downloader"
	"gtfs2series.dev/ingest/metrics"
	"gtfs2series.dev/ingest/publisher"
	"gtfs2series.dev/ingest/storage"
)

var once bool

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create database tables",
	RunE:  initDB,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Collect the GTFS Schedule feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobs(true, false)
	},
}

var realtimeCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Collect the GTFS Realtime feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobs(false, true)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect the GTFS Schedule and Realtime feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobs(true, true)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{scheduleCmd, realtimeCmd, runCmd} {
		cmd.Flags().BoolVarP(&once, "once", "", false, "Run a single cycle per feed and exit")
	}
}

func initDB(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	err = s.CreateTables(cmd.Context())
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}

	fmt.Printf("Created %d tables\n", len(storage.Tables))
	return nil
}

type job interface {
	Name() string
	Poll(ctx context.Context) error
	Run(ctx context.Context)
}

func buildJobs(
	cfg *config.Config,
	schedule bool,
	realtime bool,
	s storage.Storage,
	d downloader.Downloader,
	logger *slog.Logger,
	m ingest.Metrics,
	n ingest.Notifier,
) []job {
	timeout := cfg.Timeout()
	retries := cfg.MaxRetries()

	jobs := []job{}
	if schedule && cfg.GTFS.ScheduleURL != "" {
		j := ingest.NewScheduleJob(cfg.GTFS.ScheduleURL, cfg.GTFS.TransitSystem, s)
		j.Interval = cfg.ScheduleInterval()
		j.Options.Timeout = timeout
		j.Options.MaxRetries = retries
		j.Options.Headers = cfg.GTFS.Headers
		j.Downloader = d
		j.Logger = logger
		j.Metrics = m
		j.Notifier = n
		jobs = append(jobs, j)
	}

	if realtime {
		for _, feed := range cfg.RealtimeFeeds() {
			j := ingest.NewRealtimeJob(feed.URL, feed.EntityType, s)
			j.Interval = cfg.RealtimeInterval()
			j.Options.Timeout = timeout
			j.Options.MaxRetries = retries
			j.Options.Headers = cfg.GTFS.Headers
			j.Downloader = d
			j.Logger = logger
			j.Metrics = m
			j.Notifier = n
			jobs = append(jobs, j)
		}
	}

	return jobs
}

func runJobs(schedule bool, realtime bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	s, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	d, err := newDownloader(logger)
	if err != nil {
		return fmt.Errorf("creating downloader: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	if cfg.Metrics.Addr != "" {
		srv := collector.Serve(cfg.Metrics.Addr, pingStorage(s), logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var notifier ingest.Notifier
	if cfg.NATS.URL != "" {
		p, err := publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		notifier = p
	}

	jobs := buildJobs(cfg, schedule, realtime, s, d, logger, collector, notifier)
	if len(jobs) == 0 {
		return errors.New("no feeds configured")
	}

	logger.Info("collection session started",
		slog.String("transit_system", cfg.GTFS.TransitSystem),
		slog.Int("jobs", len(jobs)))

	if once {
		errs := []error{}
		for _, j := range jobs {
			if err := j.Poll(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", j.Name(), err))
			}
		}
		return errors.Join(errs...)
	}

	wg := sync.WaitGroup{}
	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			j.Run(ctx)
		}(j)
	}
	wg.Wait()

	logger.Info("collection session stopped")
	return nil
}
