package storage

import (
	"context"
	"errors"
	"fmt"

	"gtfs2series.dev/ingest/model"
)

// Number of records per Append call when streaming large tables.
const DefaultBatchSize = 5000

var ErrNotFound = errors.New("not found")

// Storage is an append-only sink for normalized records, plus the
// handful of reads needed for change detection recovery and simple
// queries.
type Storage interface {
	// Creates all tables, if missing.
	CreateTables(ctx context.Context) error

	// Appends records to the named table. Records are projected
	// onto the table's declared columns. The batch is written in
	// full or not at all. Rows are never updated or deleted.
	Append(ctx context.Context, table string, records []model.Record) error

	// Retrieves all records of table matching every equality in
	// filter.
	Select(ctx context.Context, table string, filter Filter) ([]model.Record, error)

	// Counts records of table matching filter.
	Count(ctx context.Context, table string, filter Filter) (int, error)

	// The most recently modified schedule feed of a transit
	// system, or ErrNotFound.
	LatestFeed(ctx context.Context, transitSystem string) (*model.Feed, error)

	// The most recent feed message of an entity type, or
	// ErrNotFound.
	LatestFeedMessage(ctx context.Context, entityType model.EntityType) (*model.FeedMessage, error)

	Close() error
}

// Sizer is implemented by backends that can report how much space
// the database takes.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}

// Column equality filter. A nil value matches NULL.
type Filter map[string]any

// Checks that table exists and that filter only references its
// columns.
func resolve(table string, filter Filter) (*Table, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	for name := range filter {
		if _, found := t.Column(name); !found {
			return nil, fmt.Errorf("table %s has no column %q", table, name)
		}
	}
	return t, nil
}
