package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"db-sync-service/internal/models"
)

type Postgres struct{}

func (Postgres) Name() models.Driver { return models.DriverPostgres }

func (Postgres) Open(cfg models.ConnectionConfig) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	return stdlib.OpenDB(*connConfig), nil
}

// PostgresDSN renders cfg as a URL so credentials with spaces or quotes
// survive parsing.
func PostgresDSN(cfg models.ConnectionConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password.Reveal()),
		Host:     cfg.Address(),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (Postgres) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tablename FROM pg_tables WHERE schemaname = 'public'
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}
	return scanStrings(rows)
}

func (Postgres) Columns(ctx context.Context, q Querier, table string) ([]models.Column, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable,
		       EXISTS (
		         SELECT 1
		         FROM information_schema.table_constraints tc
		         JOIN information_schema.key_column_usage kcu
		           ON tc.constraint_name = kcu.constraint_name
		          AND tc.table_schema = kcu.table_schema
		         WHERE tc.table_schema = c.table_schema
		           AND tc.table_name = c.table_name
		           AND tc.constraint_type = 'PRIMARY KEY'
		           AND kcu.column_name = c.column_name
		       ) AS is_key
		FROM information_schema.columns c
		WHERE c.table_schema = 'public' AND c.table_name = $1
		ORDER BY c.ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get table schema: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var col models.Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.IsKey); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (Postgres) Quote(identifier string) string { return quoteWith(identifier, `"`) }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// InsertSQL overrides identity generation so key values copied from the
// source are kept.
func (d Postgres) InsertSQL(table string, columns []string) string {
	return insertSQL(d, table, columns, " OVERRIDING SYSTEM VALUE")
}

func (Postgres) IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01", "53300":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}

func (Postgres) IsAuthFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "28P01" || pgErr.Code == "28000"
	}
	return false
}
