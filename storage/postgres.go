package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"gtfs2series.dev/ingest/model"
)

// Maximum number of rows sent in a single COPY.
const PSQLCopyBatchSize = 10000

type PSQLStorage struct {
	sqlStore
}

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, all tables are dropped on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		for i := len(Tables) - 1; i >= 0; i-- {
			_, err = db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", pq.QuoteIdentifier(Tables[i].Name)))
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("clearing db: %w", err)
			}
		}
	}

	return &PSQLStorage{
		sqlStore: sqlStore{
			db: db,
			geometryExpr: func(column string) string {
				return "ST_AsText(" + column + ")"
			},
		},
	}, nil
}

func psqlType(t ColumnType) string {
	switch t {
	case Integer:
		return "BIGINT"
	case Float:
		return "DOUBLE PRECISION"
	case Boolean:
		return "BOOLEAN"
	case Date:
		return "DATE"
	case Interval:
		return "INTERVAL"
	case Timestamp:
		return "TIMESTAMPTZ"
	case Point:
		return fmt.Sprintf("geometry(POINT, %d)", model.SRID)
	case LineString:
		return fmt.Sprintf("geometry(LINESTRING, %d)", model.SRID)
	}
	return "TEXT"
}

func (s *PSQLStorage) CreateTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS postgis")
	if err != nil {
		return fmt.Errorf("creating postgis extension: %w", err)
	}

	for _, t := range Tables {
		_, err := s.db.ExecContext(ctx, t.createStatement(psqlType))
		if err != nil {
			return fmt.Errorf("creating %s: %w", t.Name, err)
		}
	}

	return nil
}

// Appends records using COPY. The whole batch is committed in a
// single transaction, split into COPY statements of at most
// PSQLCopyBatchSize rows.
func (s *PSQLStorage) Append(ctx context.Context, table string, records []model.Record) error {
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

	for start := 0; start < len(records); start += PSQLCopyBatchSize {
		end := start + PSQLCopyBatchSize
		if end > len(records) {
			end = len(records)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn(t.Name, t.ColumnNames()...))
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}

		for _, r := range records[start:end] {
			_, err = stmt.ExecContext(ctx, encodeRecord(t, t.Project(r), ewkt)...)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("COPY %s: %w", t.Name, err)
			}
		}

		_, err = stmt.ExecContext(ctx)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("executing statement: %w", err)
		}

		err = stmt.Close()
		if err != nil {
			return fmt.Errorf("closing statement: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

// Size of the current database in bytes.
func (s *PSQLStorage) Size(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.GetContext(ctx, &size, "SELECT pg_database_size(current_database())")
	if err != nil {
		return 0, fmt.Errorf("querying database size: %w", err)
	}
	return size, nil
}
