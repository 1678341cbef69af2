package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"db-sync-service/internal/models"
)

// SQLite serves file databases. Host, port and credentials are ignored.
type SQLite struct{}

func (SQLite) Name() models.Driver { return models.DriverSQLite }

func (SQLite) Open(cfg models.ConnectionConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// sqliteDSN adds a default busy timeout unless the path already sets one.
func sqliteDSN(path string) string {
	if strings.Contains(path, "busy_timeout") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)"
}

func (SQLite) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}
	return scanStrings(rows)
}

func (d SQLite) Columns(ctx context.Context, q Querier, table string) ([]models.Column, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table schema: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			cid          int
			col          models.Column
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &defaultValue, &pk); err != nil {
			return nil, err
		}
		col.Nullable = notNull == 0
		col.IsKey = pk > 0
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (SQLite) Quote(identifier string) string { return quoteWith(identifier, `"`) }

func (SQLite) Placeholder(int) string { return "?" }

func (d SQLite) InsertSQL(table string, columns []string) string {
	return insertSQL(d, table, columns, "")
}

func (SQLite) IsTransient(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func (SQLite) IsAuthFailure(error) bool { return false }
