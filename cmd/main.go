package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gtfs2series.dev/ingest/config"
	"gtfs2series.dev/ingest/downloader"
	"gtfs2series.dev/ingest/logging"
	"gtfs2series.dev/ingest/storage"
)

var rootCmd = &cobra.Command{
	Use:          "gtfs2series",
	Short:        "GTFS time series collector",
	Long:         "Archives every version of a GTFS Schedule feed and every GTFS Realtime feed message in a database",
	SilenceUsage: true,
}

var (
	configPath string
	headers    []string
	replayDir  string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to YAML configuration")
	rootCmd.PersistentFlags().StringSliceVarP(
		&headers,
		"header",
		"",
		[]string{},
		"Extra HTTP header on form <key>:<value>, sent with every request",
	)
	rootCmd.PersistentFlags().StringVarP(
		&replayDir,
		"replay-dir",
		"",
		"",
		"Read feeds from files in this directory instead of downloading them",
	)

	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(realtimeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(sizeCmd)
	rootCmd.AddCommand(frequencyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

// Loads configuration, merging --header flags into the configured
// headers.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	extra, err := parseHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if cfg.GTFS.Headers == nil {
		cfg.GTFS.Headers = map[string]string{}
	}
	for k, v := range extra {
		cfg.GTFS.Headers[k] = v
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewStructuredLogger(logging.NewWriter(cfg.Log.File), level), nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Database.System {
	case "sqlite3":
		return storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Path: cfg.DSN()})
	case "postgres", "postgresql":
		return storage.NewPSQLStorage(cfg.DSN(), false)
	}
	return nil, fmt.Errorf("unsupported database system %q", cfg.Database.System)
}

func newDownloader(logger *slog.Logger) (downloader.Downloader, error) {
	if replayDir != "" {
		return downloader.NewFilesystem(replayDir)
	}

	d := downloader.NewHTTP()
	d.OnRetry = func(err error, wait time.Duration) {
		logger.Warn("retrying download",
			slog.String("error", err.Error()),
			slog.Duration("wait", wait))
	}
	return d, nil
}

// Liveness check for the ops server.
func pingStorage(s storage.Storage) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.Count(ctx, storage.FeedsTable.Name, storage.Filter{"feed_id": ""})
		return err
	}
}
