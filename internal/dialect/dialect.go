// Package dialect holds the engine specific SQL used by the sync service:
// opening connections, schema introspection, identifier quoting and error
// classification.
package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"db-sync-service/internal/models"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Dialect interface {
	Name() models.Driver
	Open(cfg models.ConnectionConfig) (*sql.DB, error)
	ListTables(ctx context.Context, q Querier) ([]string, error)
	Columns(ctx context.Context, q Querier, table string) ([]models.Column, error)
	Quote(identifier string) string
	// Placeholder returns the bind marker for the n-th argument, starting at 1.
	Placeholder(n int) string
	InsertSQL(table string, columns []string) string
	IsTransient(err error) bool
	IsAuthFailure(err error) bool
}

func For(driver models.Driver) (Dialect, error) {
	switch driver {
	case models.DriverMySQL:
		return MySQL{}, nil
	case models.DriverPostgres:
		return Postgres{}, nil
	case models.DriverSQLite:
		return SQLite{}, nil
	}
	return nil, &models.ValidationError{Field: "driver", Reason: fmt.Sprintf("unsupported driver %q", driver)}
}

func quoteWith(identifier, quote string) string {
	return quote + strings.ReplaceAll(identifier, quote, quote+quote) + quote
}

func quoteList(d Dialect, identifiers []string) string {
	quoted := make([]string, len(identifiers))
	for i, id := range identifiers {
		quoted[i] = d.Quote(id)
	}
	return strings.Join(quoted, ", ")
}

// SelectSQL builds a SELECT of columns ordered by orderBy. A limit of zero
// or less reads the whole table.
func SelectSQL(d Dialect, table string, columns, orderBy []string, limit, offset int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", quoteList(d, columns), d.Quote(table))
	if len(orderBy) > 0 {
		fmt.Fprintf(&b, " ORDER BY %s", quoteList(d, orderBy))
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d OFFSET %d", limit, offset)
	}
	return b.String()
}

func insertSQL(d Dialect, table string, columns []string, suffix string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s)%s VALUES (%s)",
		d.Quote(table), quoteList(d, columns), suffix, strings.Join(placeholders, ", "))
}

// UpdateSQL builds an UPDATE that sets columns and matches on keys. Arguments
// are bound in that order: set values first, then key values.
func UpdateSQL(d Dialect, table string, columns, keys []string) string {
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = %s", d.Quote(c), d.Placeholder(i+1))
	}
	where := make([]string, len(keys))
	for i, k := range keys {
		where[i] = fmt.Sprintf("%s = %s", d.Quote(k), d.Placeholder(len(columns)+i+1))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		d.Quote(table), strings.Join(sets, ", "), strings.Join(where, " AND "))
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}
