package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	semaphore "github.com/marusama/semaphore/v2"
	"go.uber.org/zap"

	"db-sync-service/internal/config"
	"db-sync-service/internal/dialect"
	"db-sync-service/internal/models"
)

var errShuttingDown = errors.New("sync service is shutting down")

// SyncRequest names the table on each side. Direction defaults to the
// configured SYNC_DIRECTION.
type SyncRequest struct {
	SourceTable string
	TargetTable string
	Direction   models.Direction
}

// SyncService admits sync jobs and runs them on a bounded worker pool.
type SyncService struct {
	registry  *ConnectionRegistry
	catalog   *TableCatalog
	jobs      *JobRegistry
	settings  config.SyncConfig
	direction models.Direction
	pool      semaphore.Semaphore
	log       *zap.SugaredLogger
	now       func() time.Time

	// closed is set by Close before it waits on wg. Admission holds
	// lifecycle so wg.Add never races the wait.
	lifecycle sync.Mutex
	closed    bool

	// acquireCtx is cancelled as soon as Close is called so queued jobs stop
	// waiting; runCtx only when Close gives up on running jobs.
	acquireCtx    context.Context
	stopAcquiring context.CancelFunc
	runCtx        context.Context
	stopRunning   context.CancelFunc
	wg            sync.WaitGroup
}

func NewSyncService(registry *ConnectionRegistry, catalog *TableCatalog, jobs *JobRegistry, settings config.SyncConfig, logger *zap.Logger) *SyncService {
	direction, err := models.ParseDirection(settings.Direction, models.DirectionSourceToTarget)
	if err != nil {
		direction = models.DirectionSourceToTarget
	}
	workers := max(settings.Workers, 1)

	s := &SyncService{
		registry:  registry,
		catalog:   catalog,
		jobs:      jobs,
		settings:  settings,
		direction: direction,
		pool:      semaphore.New(workers),
		log:       logger.Sugar(),
		now:       time.Now,
	}
	s.acquireCtx, s.stopAcquiring = context.WithCancel(context.Background())
	s.runCtx, s.stopRunning = context.WithCancel(context.Background())
	jobs.OnTransition(s.logTransition)
	return s
}

// StartSync admits a job for the written table and returns it in Pending.
// The work itself runs asynchronously.
func (s *SyncService) StartSync(ctx context.Context, req SyncRequest) (models.SyncJob, error) {
	if req.SourceTable == "" {
		return models.SyncJob{}, &models.ValidationError{Field: "source table", Reason: "table name is required"}
	}
	if req.TargetTable == "" {
		return models.SyncJob{}, &models.ValidationError{Field: "target table", Reason: "table name is required"}
	}
	if err := ctx.Err(); err != nil {
		return models.SyncJob{}, err
	}
	direction := req.Direction
	if direction == "" {
		direction = s.direction
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed {
		return models.SyncJob{}, errShuttingDown
	}

	job := models.NewSyncJob(req.SourceTable, req.TargetTable, direction, s.now())
	err := s.registry.Admit(func(generations map[models.Role]uint64) error {
		job.SourceGeneration = generations[models.RoleSource]
		job.TargetGeneration = generations[models.RoleTarget]
		return s.jobs.Track(job)
	})
	if err != nil {
		return models.SyncJob{}, err
	}

	s.wg.Add(1)
	go s.run(job.Clone())
	return job.Clone(), nil
}

// StartTable syncs a table that has the same name on both sides.
func (s *SyncService) StartTable(ctx context.Context, table string) (models.SyncJob, error) {
	return s.StartSync(ctx, SyncRequest{SourceTable: table, TargetTable: table})
}

// RunScheduled starts a job for every table, logging the ones that could
// not be admitted.
func (s *SyncService) RunScheduled(ctx context.Context, tables []string) {
	s.log.Infof("Scheduled sync triggered at %s for %d tables", s.now().Format("2006-01-02 15:04:05"), len(tables))
	for _, table := range tables {
		job, err := s.StartTable(ctx, table)
		if err != nil {
			s.log.Warnf("Scheduled sync of %s skipped: %v", table, err)
			continue
		}
		s.log.Infof("Scheduled sync of %s admitted as job %s", table, job.ID)
	}
}

func (s *SyncService) GetStatus(id string) (models.SyncJob, error) {
	return s.jobs.Get(id)
}

func (s *SyncService) Cancel(id string) (models.SyncJob, error) {
	return s.jobs.Cancel(id)
}

func (s *SyncService) List(table string) []models.SyncJob {
	return s.jobs.List(table)
}

// Close stops admitting work and waits for running jobs. When ctx expires
// first, running jobs are interrupted and fail with the context error.
func (s *SyncService) Close(ctx context.Context) error {
	s.lifecycle.Lock()
	s.closed = true
	s.lifecycle.Unlock()
	s.stopAcquiring()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.stopRunning()
		<-done
		return ctx.Err()
	}
}

func (s *SyncService) run(job models.SyncJob) {
	defer s.wg.Done()

	if err := s.pool.Acquire(s.acquireCtx, 1); err != nil {
		s.fail(job.ID, errShuttingDown)
		return
	}
	defer s.pool.Release(1)
	if s.acquireCtx.Err() != nil {
		s.fail(job.ID, errShuttingDown)
		return
	}

	if _, err := s.jobs.Update(job.ID, models.JobComparing, nil); err != nil {
		// Cancelled while queued.
		s.log.Infof("Job %s not started: %v", job.ID, err)
		return
	}

	ctx := s.runCtx
	plan, err := s.compare(ctx, job)
	if err != nil {
		s.fail(job.ID, err)
		return
	}

	batches := plan.batches(s.settings.BatchSize)
	_, err = s.jobs.Update(job.ID, models.JobApplying, func(j *models.SyncJob) {
		j.Batches = len(batches)
		j.Unchanged = plan.unchanged
	})
	if err != nil {
		s.log.Errorf("Job %s: %v", job.ID, err)
		return
	}

	for i, batch := range batches {
		result, err := s.applyBatch(ctx, job, plan, batch)
		if err != nil {
			s.fail(job.ID, &models.ApplyError{FailedBatchIndex: i, Cause: err})
			return
		}
		s.recordBatch(job.ID, result)
		s.log.Infof("Job %s: batch %d/%d committed (%d inserted, %d updated)", job.ID, i+1, len(batches), result.inserted, result.updated)
	}

	if _, err := s.jobs.Update(job.ID, models.JobCompleted, nil); err != nil {
		s.log.Errorf("Job %s: %v", job.ID, err)
	}
}

// recordBatch adds a committed batch to the job's progress.
func (s *SyncService) recordBatch(id string, result batchResult) {
	_, err := s.jobs.Update(id, models.JobApplying, func(j *models.SyncJob) {
		j.Inserted += result.inserted
		j.Updated += result.updated
		j.Unchanged += result.unchanged
		j.BatchesCommitted++
	})
	if err != nil {
		s.log.Errorf("Job %s: couldn't record batch progress: %v", id, err)
	}
}

func (s *SyncService) fail(id string, cause error) {
	_, err := s.jobs.Update(id, models.JobFailed, func(j *models.SyncJob) {
		j.Fail(cause)
	})
	if err != nil {
		s.log.Errorf("Job %s: couldn't record failure %q: %v", id, cause, err)
	}
}

// compare reads both sides and computes the writes needed on the written side.
func (s *SyncService) compare(ctx context.Context, job models.SyncJob) (syncPlan, error) {
	readRole, writeRole := job.Direction.Roles()
	reader, err := s.registry.Borrow(readRole, job.Generation(readRole))
	if err != nil {
		return syncPlan{}, err
	}
	writer, err := s.registry.Borrow(writeRole, job.Generation(writeRole))
	if err != nil {
		return syncPlan{}, err
	}

	readDesc, err := s.catalog.describe(ctx, reader, job.ReadTable())
	if err != nil {
		return syncPlan{}, err
	}
	writeDesc, err := s.catalog.describe(ctx, writer, job.WriteTable())
	if err != nil {
		return syncPlan{}, err
	}

	shared := models.IntersectColumns(readDesc, writeDesc)
	if len(shared) == 0 {
		return syncPlan{}, fmt.Errorf("%w: %s.%s and %s.%s have no columns in common",
			models.ErrSchemaMismatch, readRole, job.ReadTable(), writeRole, job.WriteTable())
	}
	shape := models.TableDescriptor{Columns: shared}
	columns := shape.ColumnNames()
	keys := readDesc.KeyColumns()
	for _, k := range keys {
		if !slices.Contains(columns, k) {
			s.log.Warnf("Job %s: key column %s missing on %s side, comparing full rows", job.ID, k, writeRole)
			keys = nil
			break
		}
	}

	source, err := s.readAll(ctx, reader, job.ReadTable(), columns, keys)
	if err != nil {
		return syncPlan{}, err
	}
	target, err := s.readAll(ctx, writer, job.WriteTable(), columns, keys)
	if err != nil {
		return syncPlan{}, err
	}

	plan := diffRows(columns, keys, source, target)
	inserts, updates := plan.counts()
	s.log.Infof("Job %s: %d rows read, %d to insert, %d to update, %d unchanged",
		job.ID, len(source), inserts, updates, plan.unchanged)
	return plan, nil
}

func (s *SyncService) readAll(ctx context.Context, h *Handle, table string, columns, keys []string) ([]models.Row, error) {
	orderBy := keys
	if len(orderBy) == 0 {
		orderBy = columns
	}
	query := dialect.SelectSQL(h.Dialect(), table, columns, orderBy, 0, 0)

	var rows []models.Row
	err := h.Exclusive(ctx, func(db *sql.DB) error {
		qctx, cancel := withTimeout(ctx, s.settings.QueryTimeout)
		defer cancel()
		result, err := db.QueryContext(qctx, query)
		if err != nil {
			return fmt.Errorf("failed to read %s from %s database: %w", table, h.Role(), err)
		}
		_, rows, err = scanRows(result)
		return err
	})
	return rows, classify(err)
}

// applyBatch writes one batch in a single transaction, retrying transient
// failures. A batch is either fully committed or not at all.
func (s *SyncService) applyBatch(ctx context.Context, job models.SyncJob, plan syncPlan, batch []rowChange) (batchResult, error) {
	_, writeRole := job.Direction.Roles()
	h, err := s.registry.Borrow(writeRole, job.Generation(writeRole))
	if err != nil {
		return batchResult{}, err
	}

	policy := retryPolicy{
		retries: s.settings.MaxRetries,
		backoff: s.settings.RetryBackoff,
		transient: func(err error) bool {
			return isTransient(h.Dialect(), err)
		},
		onRetry: func(attempt int, err error, wait time.Duration) {
			s.log.Warnf("Job %s: transient write error (attempt %d), retrying in %s: %v", job.ID, attempt, wait, err)
		},
	}
	var result batchResult
	err = policy.do(ctx, func() error {
		return h.Exclusive(ctx, func(db *sql.DB) error {
			qctx, cancel := withTimeout(ctx, s.settings.QueryTimeout)
			defer cancel()
			var err error
			result, err = writeBatch(qctx, db, h.Dialect(), job.WriteTable(), plan, batch)
			return classify(err)
		})
	})
	if err != nil {
		return batchResult{}, err
	}
	return result, nil
}

// batchResult counts the rows a committed batch actually changed. A planned
// update that matched no row is counted as unchanged.
type batchResult struct {
	inserted  int
	updated   int
	unchanged int
}

func writeBatch(ctx context.Context, db *sql.DB, d dialect.Dialect, table string, plan syncPlan, batch []rowChange) (batchResult, error) {
	var result batchResult
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var setColumns []string
	for _, c := range plan.columns {
		if !slices.Contains(plan.keys, c) {
			setColumns = append(setColumns, c)
		}
	}
	keyIdx := indexes(plan.columns, plan.keys)
	setIdx := indexes(plan.columns, setColumns)

	var insertStmt, updateStmt *sql.Stmt
	for _, change := range batch {
		switch change.kind {
		case changeInsert:
			if insertStmt == nil {
				if insertStmt, err = tx.PrepareContext(ctx, d.InsertSQL(table, plan.columns)); err != nil {
					return batchResult{}, fmt.Errorf("failed to prepare insert: %w", err)
				}
				defer insertStmt.Close()
			}
			if _, err := insertStmt.ExecContext(ctx, driverArgs(change.row, nil)...); err != nil {
				return batchResult{}, fmt.Errorf("failed to insert row: %w", err)
			}
			result.inserted++
		case changeUpdate:
			if len(setColumns) == 0 {
				result.unchanged++
				continue
			}
			if updateStmt == nil {
				if updateStmt, err = tx.PrepareContext(ctx, dialect.UpdateSQL(d, table, setColumns, plan.keys)); err != nil {
					return batchResult{}, fmt.Errorf("failed to prepare update: %w", err)
				}
				defer updateStmt.Close()
			}
			args := append(driverArgs(change.row, setIdx), driverArgs(change.row, keyIdx)...)
			res, err := updateStmt.ExecContext(ctx, args...)
			if err != nil {
				return batchResult{}, fmt.Errorf("failed to update row: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				result.unchanged++
			} else {
				result.updated++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return batchResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}
	return result, nil
}

// driverArgs returns the selected cells as statement arguments. A nil idx
// selects every cell.
func driverArgs(row models.Row, idx []int) []any {
	if idx == nil {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v.Driver()
		}
		return args
	}
	args := make([]any, len(idx))
	for i, j := range idx {
		args[i] = row[j].Driver()
	}
	return args
}

func isTransient(d dialect.Dialect, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, models.ErrTimeout), errors.Is(err, driver.ErrBadConn):
		return true
	}
	return d.IsTransient(err)
}

func (s *SyncService) logTransition(previous models.JobState, job models.SyncJob) {
	switch job.State {
	case models.JobPending:
		s.log.Infof("Job %s admitted: %s (%s)", job.ID, job.Table, job.Direction)
	case models.JobCompleted:
		s.log.Infof("Job %s completed: %d inserted, %d updated, %d unchanged", job.ID, job.Inserted, job.Updated, job.Unchanged)
	case models.JobFailed:
		s.log.Errorf("Job %s failed during %s: %s", job.ID, previous, job.Error)
	default:
		s.log.Infof("Job %s: %s -> %s", job.ID, previous, job.State)
	}
}
