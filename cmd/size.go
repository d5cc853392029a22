package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"gtfs2series.dev/ingest/storage"
)

var sizeCmd = &cobra.Command{
	Use:   "db-size",
	Short: "Print how much space the database takes",
	RunE:  size,
}

func size(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	return printSize(cmd.Context(), cmd.OutOrStdout(), s)
}

func printSize(ctx context.Context, w io.Writer, s storage.Storage) error {
	sizer, ok := s.(storage.Sizer)
	if !ok {
		return fmt.Errorf("storage does not report its size")
	}

	n, err := sizer.Size(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "The size of the database is: %s (%d bytes)\n", humanize.IBytes(uint64(n)), n)
	return nil
}
