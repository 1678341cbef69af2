package services

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"db-sync-service/internal/models"
)

type catalogEntry struct {
	generation  uint64
	tables      []string
	descriptors map[string]models.TableDescriptor
}

// TableCatalog lists and describes tables per role. Results are cached for
// the lifetime of one connection generation.
type TableCatalog struct {
	registry *ConnectionRegistry
	timeout  time.Duration
	log      *zap.SugaredLogger

	mutex   sync.Mutex
	entries map[models.Role]*catalogEntry
}

func NewTableCatalog(registry *ConnectionRegistry, timeout time.Duration, logger *zap.Logger) *TableCatalog {
	return &TableCatalog{
		registry: registry,
		timeout:  timeout,
		log:      logger.Sugar(),
		entries:  make(map[models.Role]*catalogEntry),
	}
}

// ListTables returns the user tables of the role's database.
func (c *TableCatalog) ListTables(ctx context.Context, role models.Role) ([]string, error) {
	h, err := c.registry.Get(role)
	if err != nil {
		return nil, err
	}
	entry, err := c.entry(ctx, h)
	if err != nil {
		return nil, err
	}
	return slices.Clone(entry.tables), nil
}

// Describe returns the column metadata of table. Tables that are not in the
// listing, or that report no columns, are ErrTableNotFound.
func (c *TableCatalog) Describe(ctx context.Context, role models.Role, table string) (models.TableDescriptor, error) {
	h, err := c.registry.Get(role)
	if err != nil {
		return models.TableDescriptor{}, err
	}
	return c.describe(ctx, h, table)
}

func (c *TableCatalog) describe(ctx context.Context, h *Handle, table string) (models.TableDescriptor, error) {
	entry, err := c.entry(ctx, h)
	if err != nil {
		return models.TableDescriptor{}, err
	}
	if !slices.Contains(entry.tables, table) {
		return models.TableDescriptor{}, fmt.Errorf("%w: %s in %s database", models.ErrTableNotFound, table, h.Role())
	}

	c.mutex.Lock()
	descriptor, ok := entry.descriptors[table]
	c.mutex.Unlock()
	if ok {
		return descriptor, nil
	}

	var columns []models.Column
	err = h.Shared(ctx, func(db *sql.DB) error {
		qctx, cancel := withTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		columns, err = h.Dialect().Columns(qctx, db, table)
		return err
	})
	if err != nil {
		return models.TableDescriptor{}, classify(err)
	}
	if len(columns) == 0 {
		return models.TableDescriptor{}, fmt.Errorf("%w: %s has no columns", models.ErrTableNotFound, table)
	}

	descriptor = models.TableDescriptor{Name: table, Columns: columns}
	c.mutex.Lock()
	if current := c.entries[h.Role()]; current == entry {
		entry.descriptors[table] = descriptor
	}
	c.mutex.Unlock()
	return descriptor, nil
}

// entry returns the cache for h's generation, loading the table list on a miss.
func (c *TableCatalog) entry(ctx context.Context, h *Handle) (*catalogEntry, error) {
	c.mutex.Lock()
	entry, ok := c.entries[h.Role()]
	c.mutex.Unlock()
	if ok && entry.generation == h.Generation() {
		return entry, nil
	}

	var tables []string
	err := h.Shared(ctx, func(db *sql.DB) error {
		qctx, cancel := withTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		tables, err = h.Dialect().ListTables(qctx, db)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	if tables == nil {
		tables = []string{}
	}

	entry = &catalogEntry{
		generation:  h.Generation(),
		tables:      tables,
		descriptors: make(map[string]models.TableDescriptor),
	}
	c.mutex.Lock()
	c.entries[h.Role()] = entry
	c.mutex.Unlock()
	c.log.Infof("Loaded %d tables from %s database (generation %d)", len(tables), h.Role(), h.Generation())
	return entry, nil
}

// Invalidate drops cached metadata for role.
func (c *TableCatalog) Invalidate(role models.Role) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, role)
}
