package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"db-sync-service/internal/models"
)

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classify turns a deadline into ErrTimeout so callers can match on it.
func classify(err error) error {
	if err == nil || errors.Is(err, models.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	return err
}

// scanRows reads every row as a tuple of Values in column order.
func scanRows(rows *sql.Rows) ([]string, []models.Row, error) {
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var results []models.Row
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, err
		}

		row := make(models.Row, len(columns))
		for i, val := range values {
			row[i] = models.FromDriver(val)
		}
		results = append(results, row)
	}
	return columns, results, rows.Err()
}
