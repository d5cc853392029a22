package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	ingest "gtfs2series.dev/ingest"
	"gtfs2series.dev/ingest/downloader"
	"gtfs2series.dev/ingest/logging"
	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/parse"
)

var (
	frequencyEntity  string
	frequencySamples int
	frequencyWait    time.Duration
)

var frequencyCmd = &cobra.Command{
	Use:   "feed-frequency",
	Short: "Measure how often a realtime feed's header timestamp changes",
	RunE:  frequency,
}

func init() {
	frequencyCmd.Flags().StringVarP(&frequencyEntity, "entity", "e", "", "Entity type (vehicle, tripUpdate or alert)")
	frequencyCmd.Flags().IntVarP(&frequencySamples, "samples", "n", 10, "Number of timestamp changes to sample")
	frequencyCmd.Flags().DurationVarP(&frequencyWait, "wait", "w", time.Second, "Pause between requests")
	frequencyCmd.MarkFlagRequired("entity")
}

type frequencySample struct {
	URL      string
	Requests int
	Deltas   []time.Duration
}

func (f *frequencySample) Average() time.Duration {
	if len(f.Deltas) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range f.Deltas {
		sum += d
	}
	return sum / time.Duration(len(f.Deltas))
}

func (f *frequencySample) Print(w io.Writer) {
	fmt.Fprintf(w, "Time between header timestamp changes of %s\n", f.URL)
	fmt.Fprintf(w, "Requests: %d\n", f.Requests)
	fmt.Fprintf(w, "Sampled changes: %d\n\n", len(f.Deltas))
	for _, d := range f.Deltas {
		fmt.Fprintf(w, "%.0f\n", d.Seconds())
	}
	fmt.Fprintf(w, "\nAverage: %.1f seconds\n", f.Average().Seconds())
}

func frequency(cmd *cobra.Command, args []string) error {
	entityType, err := model.ParseEntityType(frequencyEntity)
	if err != nil {
		return err
	}
	if frequencySamples < 1 {
		return fmt.Errorf("--samples must be at least 1")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := ""
	for _, f := range cfg.RealtimeFeeds() {
		if f.EntityType == entityType {
			url = f.URL
		}
	}
	if url == "" {
		return fmt.Errorf("no realtime url configured for %s", entityType)
	}

	d, err := newDownloader(logging.Discard())
	if err != nil {
		return err
	}

	sample, err := sampleFrequency(cmd.Context(), d, url, entityType, downloader.GetOptions{
		Timeout:    cfg.Timeout(),
		MaxRetries: cfg.MaxRetries(),
		Headers:    cfg.GTFS.Headers,
	}, frequencySamples, frequencyWait)
	if err != nil {
		return err
	}

	sample.Print(cmd.OutOrStdout())
	return nil
}

// Fetches url until the header timestamp has changed n times. The
// first timestamp seen is only a baseline.
func sampleFrequency(
	ctx context.Context,
	d downloader.Downloader,
	url string,
	entityType model.EntityType,
	options downloader.GetOptions,
	n int,
	wait time.Duration,
) (*frequencySample, error) {
	sample := &frequencySample{URL: url, Deltas: []time.Duration{}}
	state := ingest.RealtimeState{}
	var last time.Time

	for len(sample.Deltas) < n {
		if sample.Requests > 0 && wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := d.Get(ctx, url, options)
		sample.Requests++
		if err != nil {
			return nil, &ingest.FetchError{URL: url, Err: err}
		}
		rt, err := parse.ParseRealtime(resp.Body, entityType)
		if err != nil {
			return nil, &ingest.ParseError{Op: string(entityType), Err: err}
		}

		ts := rt.Message.Timestamp
		if !state.Changed(uint64(ts.Unix())) {
			continue
		}
		if state.Timestamp.Valid {
			sample.Deltas = append(sample.Deltas, ts.Sub(last))
		}
		state.Accept(uint64(ts.Unix()))
		last = ts
	}

	return sample, nil
}
