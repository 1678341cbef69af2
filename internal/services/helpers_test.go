package services

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"db-sync-service/internal/config"
	"db-sync-service/internal/dialect"
	"db-sync-service/internal/models"
)

type testEnv struct {
	cfg       config.AppConfig
	jobs      *JobRegistry
	registry  *ConnectionRegistry
	catalog   *TableCatalog
	previewer *RowPreviewer
	sync      *SyncService

	sourcePath string
	targetPath string
	source     *sql.DB
	target     *sql.DB

	mutex       sync.Mutex
	transitions map[string][]models.JobState

	logs *observer.ObservedLogs
}

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Connection.ConnectAttempts = 1
	cfg.Connection.ConnectRetryDelay = time.Millisecond
	cfg.Sync.RetryBackoff = time.Millisecond
	cfg.Sync.QueryTimeout = 10 * time.Second
	return cfg
}

// newTestEnv wires the services against two fresh SQLite files. mutate may
// adjust the configuration before anything is built.
func newTestEnv(t *testing.T, mutate func(cfg *config.AppConfig)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	dir := t.TempDir()
	env := &testEnv{
		cfg:         cfg,
		sourcePath:  filepath.Join(dir, "source.db"),
		targetPath:  filepath.Join(dir, "target.db"),
		transitions: make(map[string][]models.JobState),
	}
	core, logs := observer.New(zap.InfoLevel)
	env.logs = logs
	logger := zap.New(core)
	env.jobs = NewJobRegistry(cfg.Jobs.Retention)
	env.jobs.OnTransition(func(_ models.JobState, job models.SyncJob) {
		env.mutex.Lock()
		defer env.mutex.Unlock()
		env.transitions[job.ID] = append(env.transitions[job.ID], job.State)
	})
	env.registry = NewConnectionRegistry(env.jobs, cfg.Connection, logger)
	env.catalog = NewTableCatalog(env.registry, cfg.Sync.QueryTimeout, logger)
	env.previewer = NewRowPreviewer(env.registry, env.catalog, cfg.Preview, cfg.Sync.QueryTimeout)
	env.sync = NewSyncService(env.registry, env.catalog, env.jobs, cfg.Sync, logger)

	env.source = openSQLite(t, env.sourcePath)
	env.target = openSQLite(t, env.targetPath)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = env.sync.Close(ctx)
		env.registry.Close()
	})
	return env
}

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := dialect.SQLite{}.Open(sqliteConfig(t, models.RoleSource, path))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sqliteConfig(t *testing.T, role models.Role, path string) models.ConnectionConfig {
	t.Helper()
	cfg, err := models.NewConnectionConfig(role, models.DriverSQLite, "", "", "", "", path)
	if err != nil {
		t.Fatalf("sqlite config: %v", err)
	}
	return cfg
}

// connect registers both test databases.
func (env *testEnv) connect(t *testing.T) {
	t.Helper()
	err := env.registry.Connect(t.Context(),
		sqliteConfig(t, models.RoleSource, env.sourcePath),
		sqliteConfig(t, models.RoleTarget, env.targetPath),
	)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
}

// states returns the transitions observed for id once the terminal one has
// been delivered. Observers run after the registry lock is released, so the
// last notification can trail GetStatus slightly.
func (env *testEnv) states(id string) []models.JobState {
	deadline := time.Now().Add(5 * time.Second)
	for {
		env.mutex.Lock()
		states := append([]models.JobState(nil), env.transitions[id]...)
		env.mutex.Unlock()
		if (len(states) > 0 && states[len(states)-1].Terminal()) || time.Now().After(deadline) {
			return states
		}
		time.Sleep(time.Millisecond)
	}
}

// holdWorkers occupies every worker so admitted jobs stay Pending until the
// returned func is called.
func (env *testEnv) holdWorkers(t *testing.T) func() {
	t.Helper()
	n := env.cfg.Sync.Workers
	if err := env.sync.pool.Acquire(t.Context(), n); err != nil {
		t.Fatalf("hold workers: %v", err)
	}
	var once sync.Once
	release := func() { once.Do(func() { env.sync.pool.Release(n) }) }
	t.Cleanup(release)
	return release
}

func waitForJob(t *testing.T, s *SyncService, id string) models.SyncJob {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		job, err := s.GetStatus(id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if job.State.Terminal() {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s", id, job.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func nameOf(t *testing.T, db *sql.DB, table string, id int) string {
	t.Helper()
	var name string
	if err := db.QueryRow("SELECT name FROM "+table+" WHERE id = ?", id).Scan(&name); err != nil {
		t.Fatalf("read %s id %d: %v", table, id, err)
	}
	return name
}
