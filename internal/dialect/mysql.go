package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"db-sync-service/internal/models"
)

// MySQL error numbers the service reacts to.
const (
	mysqlAccessDenied       = 1045
	mysqlDBAccessDenied     = 1044
	mysqlTooManyConnections = 1040
	mysqlServerShutdown     = 1053
	mysqlLockWaitTimeout    = 1205
	mysqlDeadlock           = 1213
)

type MySQL struct{}

func (MySQL) Name() models.Driver { return models.DriverMySQL }

func (MySQL) Open(cfg models.ConnectionConfig) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password.Reveal()
	mc.Net = "tcp"
	mc.Addr = cfg.Address()
	mc.DBName = cfg.Database
	mc.ParseTime = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	return db, nil
}

func (MySQL) ListTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT TABLE_NAME
	          FROM information_schema.TABLES
	          WHERE TABLE_SCHEMA = DATABASE()
	          AND TABLE_TYPE = 'BASE TABLE'
	          ORDER BY TABLE_NAME`)
	if err != nil {
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}
	return scanStrings(rows)
}

func (MySQL) Columns(ctx context.Context, q Querier, table string) ([]models.Column, error) {
	rows, err := q.QueryContext(ctx, `SELECT
	            COLUMN_NAME,
	            COLUMN_TYPE,
	            IS_NULLABLE,
	            COLUMN_KEY
	          FROM information_schema.COLUMNS
	          WHERE TABLE_SCHEMA = DATABASE()
	          AND TABLE_NAME = ?
	          ORDER BY ORDINAL_POSITION`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get table schema: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var col models.Column
		var nullable, key string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &key); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		col.IsKey = key == "PRI"
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (MySQL) Quote(identifier string) string { return quoteWith(identifier, "`") }

func (MySQL) Placeholder(int) string { return "?" }

func (d MySQL) InsertSQL(table string, columns []string) string {
	return insertSQL(d, table, columns, "")
}

func (MySQL) IsTransient(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock, mysqlTooManyConnections, mysqlServerShutdown:
			return true
		}
	}
	return false
}

func (MySQL) IsAuthFailure(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlAccessDenied || me.Number == mysqlDBAccessDenied
	}
	return false
}
