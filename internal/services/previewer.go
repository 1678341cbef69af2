package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"db-sync-service/internal/config"
	"db-sync-service/internal/dialect"
	"db-sync-service/internal/models"
)

// RowPreviewer serves bounded pages of table rows for browsing.
//
// Previews run on the shared lane and draw their own pooled connection, so a
// sync holding the exclusive lane never blocks them. A page reflects whatever
// the engine's default isolation level returns at read time; rows that a
// running sync has committed may or may not be visible.
type RowPreviewer struct {
	registry *ConnectionRegistry
	catalog  *TableCatalog
	limits   config.PreviewConfig
	timeout  time.Duration
}

func NewRowPreviewer(registry *ConnectionRegistry, catalog *TableCatalog, limits config.PreviewConfig, timeout time.Duration) *RowPreviewer {
	return &RowPreviewer{registry: registry, catalog: catalog, limits: limits, timeout: timeout}
}

// Preview returns up to limit rows of table starting at offset.
func (p *RowPreviewer) Preview(ctx context.Context, role models.Role, table string, limit, offset int) (models.RowPage, error) {
	if table == "" {
		return models.RowPage{}, &models.ValidationError{Field: "table", Reason: "table name is required"}
	}
	if offset < 0 {
		return models.RowPage{}, &models.ValidationError{Field: "offset", Reason: fmt.Sprintf("must not be negative, got %d", offset)}
	}
	limit = p.clamp(limit)

	h, err := p.registry.Get(role)
	if err != nil {
		return models.RowPage{}, err
	}
	descriptor, err := p.catalog.describe(ctx, h, table)
	if err != nil {
		return models.RowPage{}, err
	}

	orderBy := descriptor.KeyColumns()
	if len(orderBy) == 0 {
		orderBy = descriptor.ColumnNames()
	}
	query := dialect.SelectSQL(h.Dialect(), table, descriptor.ColumnNames(), orderBy, limit, offset)

	var rows []models.Row
	err = h.Shared(ctx, func(db *sql.DB) error {
		qctx, cancel := withTimeout(ctx, p.timeout)
		defer cancel()
		result, err := db.QueryContext(qctx, query)
		if err != nil {
			return fmt.Errorf("failed to fetch rows from %s: %w", table, err)
		}
		_, rows, err = scanRows(result)
		return err
	})
	if err != nil {
		return models.RowPage{}, classify(err)
	}
	if rows == nil {
		rows = []models.Row{}
	}

	return models.RowPage{
		Table:   table,
		Columns: descriptor.ColumnNames(),
		Rows:    rows,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

func (p *RowPreviewer) clamp(limit int) int {
	if limit <= 0 {
		limit = p.limits.DefaultLimit
	}
	if p.limits.MaxLimit > 0 && limit > p.limits.MaxLimit {
		limit = p.limits.MaxLimit
	}
	return limit
}
