package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"db-sync-service/internal/config"
	"db-sync-service/internal/middleware"
	"db-sync-service/internal/models"
	"db-sync-service/internal/services"
	"db-sync-service/internal/storage"
)

type testServer struct {
	server     *httptest.Server
	jobs       *services.JobRegistry
	sync       *services.SyncService
	sourcePath string
	targetPath string
	source     *sql.DB
	target     *sql.DB
}

func newTestServer(t *testing.T, history storage.History) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Connection.ConnectAttempts = 1
	cfg.Sync.RetryBackoff = time.Millisecond
	logger := zap.NewNop()

	jobs := services.NewJobRegistry(cfg.Jobs.Retention)
	connections := services.NewConnectionRegistry(jobs, cfg.Connection, logger)
	catalog := services.NewTableCatalog(connections, cfg.Sync.QueryTimeout, logger)
	syncService := services.NewSyncService(connections, catalog, jobs, cfg.Sync, logger)
	h := NewHandler(Dependencies{
		Connections:   connections,
		Catalog:       catalog,
		Previewer:     services.NewRowPreviewer(connections, catalog, cfg.Preview, cfg.Sync.QueryTimeout),
		SyncService:   syncService,
		Scheduler:     services.NewScheduler(logger),
		History:       history,
		DefaultDriver: models.DriverPostgres,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	h.Routes(mux, middleware.Chain(middleware.Logging(logger), middleware.CORS))
	srv := httptest.NewServer(mux)

	dir := t.TempDir()
	ts := &testServer{
		server:     srv,
		jobs:       jobs,
		sync:       syncService,
		sourcePath: filepath.Join(dir, "source.db"),
		targetPath: filepath.Join(dir, "target.db"),
	}
	ts.source = openDB(t, ts.sourcePath)
	ts.target = openDB(t, ts.targetPath)

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = syncService.Close(ctx)
		connections.Close()
	})
	return ts
}

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func exec(t *testing.T, db *sql.DB, query string) {
	t.Helper()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func decodeResponse(t *testing.T, raw []byte) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return resp
}

func (ts *testServer) connect(t *testing.T) {
	t.Helper()
	resp, raw := ts.do(t, http.MethodPost, "/connect", map[string]any{
		"source": map[string]string{"driver": "sqlite", "database": ts.sourcePath},
		"target": map[string]string{"driver": "sqlite", "database": ts.targetPath},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect: %d %s", resp.StatusCode, raw)
	}
}

func TestConnectReturnsTables(t *testing.T) {
	ts := newTestServer(t, nil)
	exec(t, ts.source, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	exec(t, ts.target, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	exec(t, ts.target, `CREATE TABLE audit (id INTEGER PRIMARY KEY)`)

	resp, raw := ts.do(t, http.MethodPost, "/connect", map[string]any{
		"source": map[string]string{"driver": "sqlite", "database": ts.sourcePath},
		"target": map[string]string{"driver": "sqlite", "database": ts.targetPath},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", resp.StatusCode, raw)
	}

	var body struct {
		Success bool       `json:"success"`
		Data    TableNames `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success {
		t.Fatalf("success flag not set: %s", raw)
	}
	if fmt.Sprint(body.Data.SourceTables) != "[users]" || fmt.Sprint(body.Data.TargetTables) != "[audit users]" {
		t.Fatalf("tables: %+v", body.Data)
	}
}

func TestConnectRejectsBadPort(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, raw := ts.do(t, http.MethodPost, "/connect", map[string]any{
		"source": map[string]string{"host": "localhost", "port": "abc", "user": "app", "password": "secret", "database": "shop"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d %s", resp.StatusCode, raw)
	}
	body := decodeResponse(t, raw)
	if body.Success || body.Error != "validation" || !strings.Contains(body.Message, "port") {
		t.Fatalf("body: %+v", body)
	}
}

func TestConnectRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := ts.do(t, http.MethodPost, "/connect", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/connect", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /connect: %d", resp.StatusCode)
	}
}

func TestPortAcceptsStringOrNumber(t *testing.T) {
	for _, body := range []string{`{"port":"5432"}`, `{"port":5432}`} {
		var req ConnectionRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if req.Port != "5432" {
			t.Fatalf("%s: got %q", body, req.Port)
		}
	}
	var req ConnectionRequest
	if err := json.Unmarshal([]byte(`{"port":true}`), &req); err == nil {
		t.Fatalf("boolean port accepted")
	}
}

func TestTablesAndFetchData(t *testing.T) {
	ts := newTestServer(t, nil)
	exec(t, ts.source, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	exec(t, ts.source, `INSERT INTO users (id, name) VALUES (1, 'a'), (2, 'b'), (3, 'c')`)
	ts.connect(t)

	resp, raw := ts.do(t, http.MethodGet, "/tables?type=source", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tables: %d %s", resp.StatusCode, raw)
	}
	var tables []string
	if err := json.Unmarshal(raw, &tables); err != nil {
		t.Fatalf("decode tables: %v", err)
	}
	if len(tables) != 1 || tables[0] != "users" {
		t.Fatalf("tables: %v", tables)
	}

	resp, raw = ts.do(t, http.MethodGet, "/fetch-data?type=source&table=users&limit=2&offset=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch-data: %d %s", resp.StatusCode, raw)
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 2 || rows[0]["name"] != "b" || rows[1]["id"] != float64(3) {
		t.Fatalf("rows: %v", rows)
	}

	resp, raw = ts.do(t, http.MethodGet, "/describe?type=source&table=users", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("describe: %d %s", resp.StatusCode, raw)
	}
	var descriptor models.TableDescriptor
	if err := json.Unmarshal(raw, &descriptor); err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if len(descriptor.Columns) != 2 || !descriptor.Columns[0].IsKey {
		t.Fatalf("descriptor: %+v", descriptor)
	}
}

func TestReadErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	cases := []struct {
		path   string
		status int
		kind   string
	}{
		{"/tables?type=source", http.StatusBadRequest, "not_connected"},
		{"/tables?type=middle", http.StatusBadRequest, "validation"},
		{"/fetch-data?type=source&table=users&limit=x", http.StatusBadRequest, "validation"},
	}
	for _, tc := range cases {
		resp, raw := ts.do(t, http.MethodGet, tc.path, nil)
		if resp.StatusCode != tc.status {
			t.Errorf("%s: status %d %s", tc.path, resp.StatusCode, raw)
			continue
		}
		if body := decodeResponse(t, raw); body.Error != tc.kind {
			t.Errorf("%s: kind %q", tc.path, body.Error)
		}
	}

	ts.connect(t)
	resp, raw := ts.do(t, http.MethodGet, "/fetch-data?type=source&table=missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing table: %d %s", resp.StatusCode, raw)
	}
}

func syncPair(source, target string) []SyncDataRequest {
	return []SyncDataRequest{{Table: source, Type: "source"}, {Table: target, Type: "target"}}
}

func waitForState(t *testing.T, s *services.SyncService, id string) models.SyncJob {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		job, err := s.GetStatus(id)
		if err != nil {
			t.Fatalf("status: %v", err)
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

func TestSyncEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	exec(t, ts.source, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	exec(t, ts.target, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`)
	exec(t, ts.source, `INSERT INTO users (id, name) VALUES (1, 'a')`)
	ts.connect(t)

	resp, raw := ts.do(t, http.MethodPost, "/sync", syncPair("users", "users"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("sync: %d %s", resp.StatusCode, raw)
	}
	var accepted struct {
		Data models.SyncJob `json:"data"`
	}
	if err := json.Unmarshal(raw, &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.Data.ID == "" || accepted.Data.Table != "users" {
		t.Fatalf("job: %+v", accepted.Data)
	}

	done := waitForState(t, ts.sync, accepted.Data.ID)
	if done.State != models.JobCompleted || done.Inserted != 1 {
		t.Fatalf("job: %+v", done)
	}

	resp, raw = ts.do(t, http.MethodGet, "/sync/status?id="+accepted.Data.ID, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"state":"completed"`) {
		t.Fatalf("status: %d %s", resp.StatusCode, raw)
	}
	resp, _ = ts.do(t, http.MethodGet, "/sync/status?id=nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job: %d", resp.StatusCode)
	}
	resp, raw = ts.do(t, http.MethodGet, "/jobs?table=users", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), accepted.Data.ID) {
		t.Fatalf("jobs: %d %s", resp.StatusCode, raw)
	}
}

func TestSyncValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connect(t)

	cases := []struct {
		name string
		path string
		body any
	}{
		{"one entry", "/sync", []SyncDataRequest{{Table: "users", Type: "source"}}},
		{"missing table", "/sync", syncPair("users", "")},
		{"bad type", "/sync", []SyncDataRequest{{Table: "a", Type: "left"}, {Table: "b", Type: "target"}}},
		{"bad direction", "/sync?direction=up", syncPair("users", "users")},
	}
	for _, tc := range cases {
		resp, raw := ts.do(t, http.MethodPost, tc.path, tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: %d %s", tc.name, resp.StatusCode, raw)
		}
	}
}

func TestSyncConflictReturnsActiveJob(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connect(t)
	active := models.NewSyncJob("users", "users", models.DirectionSourceToTarget, time.Now())
	if err := ts.jobs.Track(active); err != nil {
		t.Fatalf("track: %v", err)
	}

	resp, raw := ts.do(t, http.MethodPost, "/sync", syncPair("users", "users"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: %d %s", resp.StatusCode, raw)
	}
	var body struct {
		Error string         `json:"error"`
		Data  models.SyncJob `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "conflict" || body.Data.ID != active.ID {
		t.Fatalf("body: %s", raw)
	}

	resp, raw = ts.do(t, http.MethodPost, "/disconnect?type=source", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("disconnect during sync: %d %s", resp.StatusCode, raw)
	}

	resp, raw = ts.do(t, http.MethodPost, "/sync/cancel?id="+active.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", resp.StatusCode, raw)
	}
	resp, _ = ts.do(t, http.MethodPost, "/sync/cancel?id="+active.ID, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: %d", resp.StatusCode)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := ts.do(t, http.MethodOptions, "/sync", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("health: %d %v", resp.StatusCode, resp.Header)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := ts.do(t, http.MethodGet, "/jobs/history", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled history: %d", resp.StatusCode)
	}

	history, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	if err := history.Init(context.Background()); err != nil {
		t.Fatalf("init history: %v", err)
	}
	t.Cleanup(func() { _ = history.Close() })
	job := models.NewSyncJob("users", "users", models.DirectionSourceToTarget, time.Now())
	job.State = models.JobCompleted
	if err := history.Record(context.Background(), job.Clone()); err != nil {
		t.Fatalf("record: %v", err)
	}

	ts = newTestServer(t, history)
	resp, raw := ts.do(t, http.MethodGet, "/jobs/history?table=users", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), job.ID) {
		t.Fatalf("history: %d %s", resp.StatusCode, raw)
	}
	resp, _ = ts.do(t, http.MethodGet, "/jobs/history?limit=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&models.ValidationError{Field: "port", Reason: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("%w: source", models.ErrNotConnected), http.StatusBadRequest},
		{models.ErrTableNotFound, http.StatusNotFound},
		{models.ErrJobNotFound, http.StatusNotFound},
		{models.ErrSchemaMismatch, http.StatusUnprocessableEntity},
		{&models.ConflictError{Table: "users", JobID: "1"}, http.StatusConflict},
		{models.ErrNotCancellable, http.StatusConflict},
		{&models.ConnectionError{Role: models.RoleSource, Cause: errors.New("refused")}, http.StatusBadGateway},
		{fmt.Errorf("%w: slow", models.ErrTimeout), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("%v: got %d, want %d", tc.err, got, tc.want)
		}
	}
}
