package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"db-sync-service/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_jobs (
	id TEXT PRIMARY KEY,
	table_name TEXT NOT NULL,
	source_table TEXT NOT NULL,
	target_table TEXT NOT NULL,
	direction TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	inserted INTEGER NOT NULL,
	updated INTEGER NOT NULL,
	unchanged INTEGER NOT NULL,
	batches INTEGER NOT NULL,
	batches_committed INTEGER NOT NULL,
	error TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	failed_batch_index INTEGER
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_table
ON sync_jobs(table_name, created_at);
`

// SQLiteHistory is a SQLite-backed implementation of History.
type SQLiteHistory struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteHistory, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

func (s *SQLiteHistory) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

func (s *SQLiteHistory) Record(ctx context.Context, job models.SyncJob) error {
	var failedBatch sql.NullInt64
	if job.FailedBatchIndex != nil {
		failedBatch = sql.NullInt64{Int64: int64(*job.FailedBatchIndex), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_jobs (
			id, table_name, source_table, target_table, direction, state,
			created_at, started_at, completed_at,
			inserted, updated, unchanged, batches, batches_committed,
			error, error_kind, failed_batch_index
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.Table, job.SourceTable, job.TargetTable, string(job.Direction), string(job.State),
		job.CreatedAt.UnixMilli(), toMillis(job.StartedAt), toMillis(job.CompletedAt),
		job.Inserted, job.Updated, job.Unchanged, job.Batches, job.BatchesCommitted,
		job.Error, job.ErrorKind, failedBatch,
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteHistory) Recent(ctx context.Context, table string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, source_table, target_table, direction, state,
			created_at, started_at, completed_at,
			inserted, updated, unchanged, batches, batches_committed,
			error, error_kind, failed_batch_index
		FROM sync_jobs
		WHERE ? = '' OR table_name = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, table, table, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	jobs := []models.SyncJob{}
	for rows.Next() {
		var (
			job                    models.SyncJob
			direction, state       string
			createdAt              int64
			startedAt, completedAt sql.NullInt64
			failedBatch            sql.NullInt64
		)
		if err := rows.Scan(
			&job.ID, &job.Table, &job.SourceTable, &job.TargetTable, &direction, &state,
			&createdAt, &startedAt, &completedAt,
			&job.Inserted, &job.Updated, &job.Unchanged, &job.Batches, &job.BatchesCommitted,
			&job.Error, &job.ErrorKind, &failedBatch,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		job.Direction = models.Direction(direction)
		job.State = models.JobState(state)
		job.CreatedAt = time.UnixMilli(createdAt).UTC()
		job.StartedAt = fromMillis(startedAt)
		job.CompletedAt = fromMillis(completedAt)
		if failedBatch.Valid {
			index := int(failedBatch.Int64)
			job.FailedBatchIndex = &index
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
