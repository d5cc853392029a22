package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"gtfs2series.dev/ingest/model"
)

type SQLiteConfig struct {
	OnDisk bool
	Path   string
}

// SQLite backend. Geometries are stored as WKT text, as there's no
// spatial extension to lean on.
type SQLiteStorage struct {
	SQLiteConfig
	sqlStore
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	config := SQLiteConfig{}
	if len(cfg) > 0 {
		config = cfg[0]
	}

	sourceName := "file::memory:?_foreign_keys=on"
	if config.OnDisk {
		sourceName = fmt.Sprintf("file:%s?_foreign_keys=on", config.Path)
	}

	db, err := sqlx.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if !config.OnDisk {
		db.SetMaxOpenConns(1)
	}

	return &SQLiteStorage{
		SQLiteConfig: config,
		sqlStore: sqlStore{
			db: db,
			geometryExpr: func(column string) string {
				return column
			},
		},
	}, nil
}

func sqliteType(t ColumnType) string {
	switch t {
	case Integer:
		return "INTEGER"
	case Float:
		return "REAL"
	case Boolean:
		return "BOOLEAN"
	case Timestamp:
		return "TIMESTAMP"
	}
	return "TEXT"
}

func (s *SQLiteStorage) CreateTables(ctx context.Context) error {
	for _, t := range Tables {
		_, err := s.db.ExecContext(ctx, t.createStatement(sqliteType))
		if err != nil {
			return fmt.Errorf("creating %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Append(ctx context.Context, table string, records []model.Record) error {
	t, err := LookupTable(table)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(t.Name),
		quoteAll(t.ColumnNames()),
		placeholders,
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err = stmt.ExecContext(ctx, encodeRecord(t, t.Project(r), wkt)...)
		if err != nil {
			return fmt.Errorf("inserting into %s: %w", t.Name, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Size(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.GetContext(ctx, &size, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	if err != nil {
		return 0, fmt.Errorf("querying database size: %w", err)
	}
	return size, nil
}
