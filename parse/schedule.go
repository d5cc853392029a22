package parse

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/storage"
)

// Archive file backing each schedule table. GeoShapes are derived
// from shapes.txt.
var scheduleFiles = map[string]string{
	storage.AgencyTable.Name:        "agency.txt",
	storage.StopsTable.Name:         "stops.txt",
	storage.ShapesTable.Name:        "shapes.txt",
	storage.GeoShapesTable.Name:     "shapes.txt",
	storage.CalendarTable.Name:      "calendar.txt",
	storage.CalendarDatesTable.Name: "calendar_dates.txt",
	storage.RoutesTable.Name:        "routes.txt",
	storage.TripsTable.Name:         "trips.txt",
	storage.StopTimesTable.Name:     "stop_times.txt",
	storage.FrequenciesTable.Name:   "frequencies.txt",
	storage.FeedInfoTable.Name:      "feed_info.txt",
}

// Schedule normalizes the tables of one schedule archive. Tables
// must be normalized in storage.ScheduleTables order, as shapes
// feed geoshapes which in turn feed trips.
type Schedule struct {
	Feed model.Feed

	// Receives problems that don't abort a table, such as shapes
	// too short to form a line.
	Warn func(error)

	files map[string]*zip.File

	shapes       map[string][]shapePoint
	badShapes    map[string]bool
	shapesLoaded bool
	geoShapes    map[string]bool
}

type shapePoint struct {
	sequence int
	point    model.Point
}

func NewSchedule(buf []byte, feed model.Feed) (*Schedule, error) {
	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, errors.Wrap(err, "unzipping")
	}

	wanted := map[string]bool{}
	for _, name := range scheduleFiles {
		wanted[name] = true
	}

	files := map[string]*zip.File{}
	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]
		if wanted[fName] {
			files[fName] = f
		}
	}

	return &Schedule{
		Feed:      feed,
		Warn:      func(error) {},
		files:     files,
		shapes:    map[string][]shapePoint{},
		badShapes: map[string]bool{},
		geoShapes: map[string]bool{},
	}, nil
}

// The row describing the feed itself. Must be persisted before any
// table.
func (s *Schedule) FeedRecord() model.Record {
	return model.Record{
		"feed_id":             s.Feed.ID,
		"feed_tag":            s.Feed.Tag,
		"feed_last_modified":  s.Feed.LastModified.UTC(),
		"feed_transit_system": s.Feed.TransitSystem,
	}
}

// Reports whether the archive holds data for table.
func (s *Schedule) Has(table *storage.Table) bool {
	name, found := scheduleFiles[table.Name]
	if !found {
		return false
	}
	_, found = s.files[name]
	return found
}

// Normalize reads table from the archive and hands its records to
// emit, batchSize at a time. Each record carries the feed_id and is
// projected onto the table's columns. An error from emit aborts the
// table.
func (s *Schedule) Normalize(table *storage.Table, batchSize int, emit func([]model.Record) error) error {
	if table == storage.GeoShapesTable {
		return s.normalizeGeoShapes(batchSize, emit)
	}

	name, found := scheduleFiles[table.Name]
	if !found {
		return errors.Errorf("%s is not a schedule table", table.Name)
	}
	f, found := s.files[name]
	if !found {
		return errors.Errorf("missing %s", name)
	}

	if table == storage.ShapesTable {
		s.shapes = map[string][]shapePoint{}
		s.badShapes = map[string]bool{}
		s.shapesLoaded = false
	}

	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "opening %s", f.Name)
	}
	defer rc.Close()

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	reader := gocsv.LazyCSVReader(bom.NewReader(rc))
	if r, ok := reader.(*csv.Reader); ok {
		r.FieldsPerRecord = -1
	}

	header, err := reader.Read()
	if err == io.EOF {
		if table == storage.ShapesTable {
			s.shapesLoaded = true
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s header", name)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
	}

	batch := make([]model.Record, 0, batchSize)
	rowNum := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", name)
		}
		rowNum++

		r := model.Record{}
		for i, h := range header {
			if i < len(row) {
				r[h] = row[i]
			}
		}
		r["feed_id"] = s.Feed.ID
		s.derive(table, r, rowNum)

		batch = append(batch, table.Project(r))
		if len(batch) >= batchSize {
			if err := emit(batch); err != nil {
				return err
			}
			batch = make([]model.Record, 0, batchSize)
		}
	}

	if len(batch) > 0 {
		if err := emit(batch); err != nil {
			return err
		}
	}

	if table == storage.ShapesTable {
		s.shapesLoaded = true
	}

	return nil
}

// Fills in columns not present in the archive.
func (s *Schedule) derive(table *storage.Table, r model.Record, rowNum int) {
	switch table {
	case storage.StopsTable:
		lat, latErr := parseFloat(r["stop_lat"])
		lon, lonErr := parseFloat(r["stop_lon"])
		if latErr == nil && lonErr == nil {
			r["stop_point"] = model.Point{Lon: lon, Lat: lat}
		}

	case storage.ShapesTable:
		id, _ := r["shape_id"].(string)
		if id == "" {
			return
		}
		seq, seqErr := strconv.Atoi(strings.TrimSpace(str(r["shape_pt_sequence"])))
		lat, latErr := parseFloat(r["shape_pt_lat"])
		lon, lonErr := parseFloat(r["shape_pt_lon"])
		if seqErr != nil || latErr != nil || lonErr != nil {
			s.badShapes[id] = true
			return
		}
		s.shapes[id] = append(s.shapes[id], shapePoint{seq, model.Point{Lon: lon, Lat: lat}})

	case storage.TripsTable:
		if id, _ := r["shape_id"].(string); s.geoShapes[id] {
			r["geoshape_id"] = id
		}

	case storage.FeedInfoTable:
		r["feed_info_id"] = int64(rowNum)
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func parseFloat(v any) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(str(v)), 64)
}
