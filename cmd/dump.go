package main

import (
	"fmt"
	"os"
	"path/filepath"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"gtfs2series.dev/ingest/downloader"
	"gtfs2series.dev/ingest/logging"
	"gtfs2series.dev/ingest/model"
)

var (
	dumpEntity string
	dumpOut    string
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Save a single realtime feed message as JSON",
	RunE:  dump,
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpEntity, "entity", "e", "", "Entity type (vehicle, tripUpdate or alert)")
	dumpCmd.Flags().StringVarP(&dumpOut, "out", "o", ".", "Output directory, or - for stdout")
	dumpCmd.MarkFlagRequired("entity")
}

func dump(cmd *cobra.Command, args []string) error {
	entityType, err := model.ParseEntityType(dumpEntity)
	if err != nil {
		return err
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
	resp, err := d.Get(cmd.Context(), url, downloader.GetOptions{
		Timeout:    cfg.Timeout(),
		MaxRetries: cfg.MaxRetries(),
		Headers:    cfg.GTFS.Headers,
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}

	msg := &gtfsproto.FeedMessage{}
	err = proto.Unmarshal(resp.Body, msg)
	if err != nil {
		return fmt.Errorf("unmarshaling feed message: %w", err)
	}

	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling json: %w", err)
	}

	if dumpOut == "-" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}

	name := fmt.Sprintf("%s_%s_%d.json", cfg.GTFS.TransitSystem, entityType, msg.GetHeader().GetTimestamp())
	path := filepath.Join(dumpOut, name)
	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	fmt.Println(path)
	return nil
}
