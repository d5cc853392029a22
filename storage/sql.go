package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"gtfs2series.dev/ingest/model"
)

// Read side shared by the postgres and sqlite backends.
type sqlStore struct {
	db *sqlx.DB

	// Select expression for a geometry column. Must yield WKT.
	geometryExpr func(column string) string
}

type feedRow struct {
	ID            string         `db:"feed_id"`
	Tag           sql.NullString `db:"feed_tag"`
	LastModified  time.Time      `db:"feed_last_modified"`
	TransitSystem string         `db:"feed_transit_system"`
}

type feedMessageRow struct {
	Timestamp           time.Time      `db:"timestamp"`
	EntityType          string         `db:"entityType"`
	Incrementality      sql.NullString `db:"incrementality"`
	GTFSRealtimeVersion sql.NullString `db:"gtfsRealtimeVersion"`
}

func (s *sqlStore) where(t *Table, filter Filter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}

	conditions := []string{}
	params := []any{}
	for _, c := range t.Columns {
		want, found := filter[c.Name]
		if !found {
			continue
		}
		if want == nil {
			conditions = append(conditions, pq.QuoteIdentifier(c.Name)+" IS NULL")
			continue
		}
		conditions = append(conditions, pq.QuoteIdentifier(c.Name)+" = ?")
		params = append(params, want)
	}

	return " WHERE " + strings.Join(conditions, " AND "), params
}

// Geometry columns are returned as WKT, text as string.
func (s *sqlStore) Select(ctx context.Context, table string, filter Filter) ([]model.Record, error) {
	t, err := resolve(table, filter)
	if err != nil {
		return nil, err
	}

	exprs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		quoted := pq.QuoteIdentifier(c.Name)
		if c.Type == Point || c.Type == LineString {
			exprs[i] = fmt.Sprintf("%s AS %s", s.geometryExpr(quoted), quoted)
		} else {
			exprs[i] = quoted
		}
	}

	where, params := s.where(t, filter)
	query := fmt.Sprintf(
		"SELECT %s FROM %s%s",
		strings.Join(exprs, ", "),
		pq.QuoteIdentifier(t.Name),
		where,
	)

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), params...)
	if err != nil {
		return nil, fmt.Errorf("selecting from %s: %w", table, err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		row := map[string]any{}
		err := rows.MapScan(row)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		r := make(model.Record, len(row))
		for k, v := range row {
			switch v := v.(type) {
			case []byte:
				r[k] = string(v)
			case time.Time:
				r[k] = v.UTC()
			default:
				r[k] = v
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}

	return records, nil
}

func (s *sqlStore) Count(ctx context.Context, table string, filter Filter) (int, error) {
	t, err := resolve(table, filter)
	if err != nil {
		return 0, err
	}

	where, params := s.where(t, filter)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", pq.QuoteIdentifier(t.Name), where)

	var n int
	err = s.db.GetContext(ctx, &n, s.db.Rebind(query), params...)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

func (s *sqlStore) LatestFeed(ctx context.Context, transitSystem string) (*model.Feed, error) {
	var row feedRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
SELECT feed_id, feed_tag, feed_last_modified, feed_transit_system
FROM feeds
WHERE feed_transit_system = ?
ORDER BY feed_last_modified DESC
LIMIT 1`), transitSystem)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest feed: %w", err)
	}

	return &model.Feed{
		ID:            row.ID,
		Tag:           row.Tag.String,
		LastModified:  row.LastModified.UTC(),
		TransitSystem: row.TransitSystem,
	}, nil
}

func (s *sqlStore) LatestFeedMessage(ctx context.Context, entityType model.EntityType) (*model.FeedMessage, error) {
	var row feedMessageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
SELECT "timestamp", "entityType", "incrementality", "gtfsRealtimeVersion"
FROM feed_messages
WHERE "entityType" = ?
ORDER BY "timestamp" DESC
LIMIT 1`), string(entityType))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest feed message: %w", err)
	}

	return &model.FeedMessage{
		Timestamp:           row.Timestamp.UTC(),
		EntityType:          model.EntityType(row.EntityType),
		Incrementality:      row.Incrementality.String,
		GTFSRealtimeVersion: row.GTFSRealtimeVersion.String,
	}, nil
}

// Converts a projected record to driver values. Geometries are
// rendered with the given function.
func encodeRecord(t *Table, r model.Record, geometry func(any) string) []any {
	values := t.Values(r)
	for i, c := range t.Columns {
		if values[i] == nil {
			continue
		}
		switch c.Type {
		case Point, LineString:
			values[i] = geometry(values[i])
		case Timestamp:
			if ts, ok := values[i].(time.Time); ok {
				values[i] = ts.UTC()
			}
		}
	}
	return values
}

func wkt(v any) string {
	switch g := v.(type) {
	case model.Point:
		return g.WKT()
	case model.LineString:
		return g.WKT()
	case string:
		return g
	}
	return fmt.Sprint(v)
}

func ewkt(v any) string {
	switch g := v.(type) {
	case model.Point:
		return g.EWKT()
	case model.LineString:
		return g.EWKT()
	}
	return fmt.Sprintf("SRID=%d;%s", model.SRID, wkt(v))
}
