package parse

import (
	"sort"

	"github.com/pkg/errors"

	"gtfs2series.dev/ingest/model"
	"gtfs2series.dev/ingest/storage"
)

var ErrInvalidShape = errors.New("invalid shape")

// Builds a line from a shape's points, ordered by sequence.
func buildLineString(points []shapePoint) model.LineString {
	sorted := make([]shapePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].sequence < sorted[j].sequence
	})

	line := make(model.LineString, len(sorted))
	for i, p := range sorted {
		line[i] = p.point
	}
	return line
}

// One geoshape per shape_id seen while normalizing shapes. Shapes
// with fewer than two points, or with unparseable points, are
// reported through Warn and skipped.
func (s *Schedule) normalizeGeoShapes(batchSize int, emit func([]model.Record) error) error {
	if !s.shapesLoaded {
		return errors.New("shapes were not loaded")
	}

	ids := make([]string, 0, len(s.shapes))
	for id := range s.shapes {
		ids = append(ids, id)
	}
	for id := range s.badShapes {
		if _, found := s.shapes[id]; !found {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	batch := []model.Record{}
	batchIDs := []string{}
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := emit(batch); err != nil {
			return err
		}
		for _, id := range batchIDs {
			s.geoShapes[id] = true
		}
		batch = []model.Record{}
		batchIDs = []string{}
		return nil
	}

	for _, id := range ids {
		if s.badShapes[id] {
			s.Warn(errors.Wrapf(ErrInvalidShape, "shape %s has malformed points", id))
			continue
		}
		points := s.shapes[id]
		if len(points) < 2 {
			s.Warn(errors.Wrapf(ErrInvalidShape, "shape %s has %d point(s)", id, len(points)))
			continue
		}

		batch = append(batch, storage.GeoShapesTable.Project(model.Record{
			"feed_id":     s.Feed.ID,
			"geoshape_id": id,
			"geoshape":    buildLineString(points),
		}))
		batchIDs = append(batchIDs, id)

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}
