package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/storage"
)

var (
	positionsRoute     string
	positionsDirection int
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List recorded vehicle positions for a route",
	RunE:  positions,
}

func init() {
	positionsCmd.Flags().StringVarP(&positionsRoute, "route", "r", "", "Route ID")
	positionsCmd.Flags().IntVarP(&positionsDirection, "direction", "d", -1, "Direction ID (0 or 1)")
	positionsCmd.MarkFlagRequired("route")
}

func positions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer s.Close()

	filter := storage.Filter{"vehicle_trip_routeId": positionsRoute}
	if positionsDirection >= 0 {
		filter["vehicle_trip_directionId"] = positionsDirection
	}

	records, err := s.Select(cmd.Context(), storage.VehiclePositionsTable.Name, filter)
	if err != nil {
		return fmt.Errorf("selecting positions: %w", err)
	}
	sortPositions(records)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Timestamp\tVehicle\tTrip\tDirection\tPosition")
	for _, r := range records {
		fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%s\t%s\n",
			formatValue(r["vehicle_timestamp"]),
			formatValue(r["vehicle_vehicle_id"]),
			formatValue(r["vehicle_trip_tripId"]),
			formatValue(r["vehicle_trip_directionId"]),
			formatValue(r["vehicle_position_point"]),
		)
	}
	return w.Flush()
}

// Oldest feed message first, then by entity.
func sortPositions(records []model.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, _ := records[i]["feedMessage_timestamp"].(time.Time)
		tj, _ := records[j]["feedMessage_timestamp"].(time.Time)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return fmt.Sprint(records[i]["entityId"]) < fmt.Sprint(records[j]["entityId"])
	})
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}
