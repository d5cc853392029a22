package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gtfs2series.dev/ingest/model"
)

// In memory implementation of Storage. Enforces primary and foreign
// keys the way the SQL backends do. Mostly useful for tests.

type MemoryStorage struct {
	mutex sync.Mutex
	rows  map[string][]model.Record
	keys  map[string]map[string]bool
}

func NewMemoryStorage() *MemoryStorage {
	s := &MemoryStorage{
		rows: map[string][]model.Record{},
		keys: map[string]map[string]bool{},
	}
	for _, t := range Tables {
		s.keys[t.Name] = map[string]bool{}
	}
	return s
}

func (s *MemoryStorage) CreateTables(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Append(ctx context.Context, table string, records []model.Record) error {
	t, err := LookupTable(table)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	projected := make([]model.Record, len(records))
	batchKeys := map[string]bool{}
	for i, r := range records {
		p := t.Project(r)

		pkValues := make([]any, len(t.PrimaryKey))
		for j, name := range t.PrimaryKey {
			if p[name] == nil {
				return fmt.Errorf("%s: null value in primary key column %s", table, name)
			}
			pkValues[j] = p[name]
		}
		key := memoryKey(pkValues)
		if s.keys[table][key] || batchKeys[key] {
			return fmt.Errorf("%s: duplicate primary key (%s)", table, key)
		}
		batchKeys[key] = true

		for _, fk := range t.ForeignKeys {
			if err := s.checkForeignKey(fk, p); err != nil {
				return fmt.Errorf("%s: %w", table, err)
			}
		}

		projected[i] = p
	}

	for key := range batchKeys {
		s.keys[table][key] = true
	}
	s.rows[table] = append(s.rows[table], projected...)

	return nil
}

// Rows with a NULL in any referencing column pass, as with MATCH
// SIMPLE.
func (s *MemoryStorage) checkForeignKey(fk ForeignKey, r model.Record) error {
	ref, err := LookupTable(fk.Table)
	if err != nil {
		return err
	}

	byRef := map[string]any{}
	for i, name := range fk.Columns {
		if r[name] == nil {
			return nil
		}
		byRef[fk.References[i]] = r[name]
	}

	values := make([]any, len(ref.PrimaryKey))
	for i, name := range ref.PrimaryKey {
		values[i] = byRef[name]
	}
	if !s.keys[ref.Name][memoryKey(values)] {
		return fmt.Errorf(
			"foreign key (%s) references missing %s row",
			strings.Join(fk.Columns, ", "),
			ref.Name,
		)
	}
	return nil
}

// Geometries are returned as WKT, matching the SQL backends.
func (s *MemoryStorage) Select(ctx context.Context, table string, filter Filter) ([]model.Record, error) {
	if _, err := resolve(table, filter); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := []model.Record{}
	for _, r := range s.rows[table] {
		if !memoryMatch(r, filter) {
			continue
		}
		c := make(model.Record, len(r))
		for k, v := range r {
			switch v.(type) {
			case model.Point, model.LineString:
				c[k] = wkt(v)
			default:
				c[k] = v
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStorage) Count(ctx context.Context, table string, filter Filter) (int, error) {
	records, err := s.Select(ctx, table, filter)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *MemoryStorage) LatestFeed(ctx context.Context, transitSystem string) (*model.Feed, error) {
	records, err := s.Select(ctx, FeedsTable.Name, Filter{"feed_transit_system": transitSystem})
	if err != nil {
		return nil, err
	}

	var latest *model.Feed
	for _, r := range records {
		lastModified, _ := r["feed_last_modified"].(time.Time)
		if latest != nil && !lastModified.After(latest.LastModified) {
			continue
		}
		tag, _ := r["feed_tag"].(string)
		latest = &model.Feed{
			ID:            r["feed_id"].(string),
			Tag:           tag,
			LastModified:  lastModified,
			TransitSystem: transitSystem,
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStorage) LatestFeedMessage(ctx context.Context, entityType model.EntityType) (*model.FeedMessage, error) {
	records, err := s.Select(ctx, FeedMessagesTable.Name, Filter{"entityType": string(entityType)})
	if err != nil {
		return nil, err
	}

	var latest *model.FeedMessage
	for _, r := range records {
		ts, _ := r["timestamp"].(time.Time)
		if latest != nil && !ts.After(latest.Timestamp) {
			continue
		}
		incrementality, _ := r["incrementality"].(string)
		version, _ := r["gtfsRealtimeVersion"].(string)
		latest = &model.FeedMessage{
			Timestamp:           ts,
			EntityType:          entityType,
			Incrementality:      incrementality,
			GTFSRealtimeVersion: version,
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

func memoryKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = memoryString(v)
	}
	return strings.Join(parts, "\x1f")
}

func memoryString(v any) string {
	switch v := v.(type) {
	case nil:
		return "\x00"
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case model.Point:
		return v.WKT()
	case model.LineString:
		return v.WKT()
	}
	return fmt.Sprint(v)
}

func memoryMatch(r model.Record, filter Filter) bool {
	for name, want := range filter {
		if memoryString(r[name]) != memoryString(want) {
			return false
		}
	}
	return true
}
