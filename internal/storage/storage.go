package storage

import (
	"context"

	"db-sync-service/internal/models"
)

// History is an append-only audit log of finished sync jobs.
type History interface {
	// Init prepares the schema.
	Init(ctx context.Context) error

	Close() error

	// Record stores the final state of job. Recording the same job twice
	// keeps the latest copy.
	Record(ctx context.Context, job models.SyncJob) error

	// Recent returns up to limit jobs, newest first. An empty table returns
	// jobs for every table.
	Recent(ctx context.Context, table string, limit int) ([]models.SyncJob, error)
}
