package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	semaphore "github.com/marusama/semaphore/v2"
	"go.uber.org/zap"

	"db-sync-service/internal/config"
	"db-sync-service/internal/dialect"
	"db-sync-service/internal/models"
)

// Handle is one live connection for a role. Orchestration steps go through
// the exclusive lane, one at a time. Previews use the shared lane and draw
// their own pooled connection.
type Handle struct {
	cfg        models.ConnectionConfig
	dialect    dialect.Dialect
	db         *sql.DB
	generation uint64
	lane       semaphore.Semaphore
	lastUsed   atomic.Int64
	inUse      atomic.Int32
	closed     atomic.Bool
}

func newHandle(cfg models.ConnectionConfig, d dialect.Dialect, db *sql.DB, generation uint64, now time.Time) *Handle {
	h := &Handle{
		cfg:        cfg,
		dialect:    d,
		db:         db,
		generation: generation,
		lane:       semaphore.New(1),
	}
	h.lastUsed.Store(now.UnixNano())
	return h
}

func (h *Handle) Role() models.Role { return h.cfg.Role }
func (h *Handle) Config() models.ConnectionConfig { return h.cfg }
func (h *Handle) Dialect() dialect.Dialect { return h.dialect }
func (h *Handle) Generation() uint64 { return h.generation }
func (h *Handle) LastUsed() time.Time { return time.Unix(0, h.lastUsed.Load()) }

// Exclusive runs fn while holding the handle's single orchestration lane.
func (h *Handle) Exclusive(ctx context.Context, fn func(db *sql.DB) error) error {
	if err := h.lane.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.lane.Release(1)
	return h.use(fn)
}

// Shared runs fn without taking the orchestration lane.
func (h *Handle) Shared(ctx context.Context, fn func(db *sql.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.use(fn)
}

func (h *Handle) use(fn func(db *sql.DB) error) error {
	if h.closed.Load() {
		return fmt.Errorf("%w: %s", models.ErrNotConnected, h.cfg.Role)
	}
	h.inUse.Add(1)
	defer h.inUse.Add(-1)
	h.lastUsed.Store(time.Now().UnixNano())
	return fn(h.db)
}

func (h *Handle) close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.db.Close()
}

// ActiveJobs is the view of the job registry the connection registry needs.
type ActiveJobs interface {
	HasActive() bool
}

// ConnectionStatus is a point-in-time view of one role's connection.
type ConnectionStatus struct {
	Role       models.Role   `json:"role"`
	Connected  bool          `json:"connected"`
	Driver     models.Driver `json:"driver,omitempty"`
	Host       string        `json:"host,omitempty"`
	Database   string        `json:"database,omitempty"`
	Generation uint64        `json:"generation"`
	LastUsed   *time.Time    `json:"lastUsed,omitempty"`
}

// OpenFunc opens a live database for cfg.
type OpenFunc func(ctx context.Context, d dialect.Dialect, cfg models.ConnectionConfig) (*sql.DB, error)

// ConnectionRegistry holds at most one handle per role.
type ConnectionRegistry struct {
	mutex       sync.RWMutex
	handles     map[models.Role]*Handle
	generations map[models.Role]uint64
	jobs        ActiveJobs
	open        OpenFunc
	idleTimeout time.Duration
	log         *zap.SugaredLogger
	now         func() time.Time
}

func NewConnectionRegistry(jobs ActiveJobs, settings config.ConnectionSettings, logger *zap.Logger) *ConnectionRegistry {
	r := &ConnectionRegistry{
		handles:     make(map[models.Role]*Handle),
		generations: make(map[models.Role]uint64),
		jobs:        jobs,
		idleTimeout: settings.IdleTimeout,
		log:         logger.Sugar(),
		now:         time.Now,
	}
	r.open = func(ctx context.Context, d dialect.Dialect, cfg models.ConnectionConfig) (*sql.DB, error) {
		return config.OpenDatabase(ctx, logger, d, cfg, settings)
	}
	return r
}

// Connect validates every config, opens all of them and only then swaps them
// in together. On any failure no existing handle changes.
func (r *ConnectionRegistry) Connect(ctx context.Context, cfgs ...models.ConnectionConfig) error {
	if len(cfgs) == 0 {
		return &models.ValidationError{Field: "connection", Reason: "at least one connection is required"}
	}
	seen := make(map[models.Role]bool, len(cfgs))
	dialects := make([]dialect.Dialect, len(cfgs))
	for i, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if seen[cfg.Role] {
			return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("duplicate %s connection", cfg.Role)}
		}
		seen[cfg.Role] = true
		d, err := dialect.For(cfg.Driver)
		if err != nil {
			return err
		}
		dialects[i] = d
	}
	if r.jobs.HasActive() {
		return replaceConflict()
	}

	opened := make([]*sql.DB, 0, len(cfgs))
	closeOpened := func() {
		for _, db := range opened {
			db.Close()
		}
	}
	for i, cfg := range cfgs {
		db, err := r.open(ctx, dialects[i], cfg)
		if err != nil {
			closeOpened()
			r.log.Warnf("Connect %s failed: %v", cfg, err)
			return connectionError(cfg.Role, dialects[i], err)
		}
		opened = append(opened, db)
	}

	r.mutex.Lock()
	if r.jobs.HasActive() {
		r.mutex.Unlock()
		closeOpened()
		return replaceConflict()
	}
	var replaced []*Handle
	now := r.now()
	for i, cfg := range cfgs {
		r.generations[cfg.Role]++
		if old, ok := r.handles[cfg.Role]; ok {
			replaced = append(replaced, old)
		}
		r.handles[cfg.Role] = newHandle(cfg, dialects[i], opened[i], r.generations[cfg.Role], now)
		r.log.Infof("Registered %s connection (generation %d)", cfg.Role, r.generations[cfg.Role])
	}
	r.mutex.Unlock()

	for _, old := range replaced {
		if err := old.close(); err != nil {
			r.log.Warnf("Error closing replaced %s connection: %v", old.Role(), err)
		}
	}
	return nil
}

func replaceConflict() error {
	return &models.ConflictError{Reason: "a sync job is in progress; wait for it to finish before replacing connections"}
}

func connectionError(role models.Role, d dialect.Dialect, err error) error {
	ce := &models.ConnectionError{Role: role, Cause: err}
	if d.IsAuthFailure(err) {
		ce.Message = "invalid username or password"
	}
	return ce
}

// Disconnect closes the handle for role.
func (r *ConnectionRegistry) Disconnect(role models.Role) error {
	r.mutex.Lock()
	if r.jobs.HasActive() {
		r.mutex.Unlock()
		return replaceConflict()
	}
	h, ok := r.handles[role]
	if !ok {
		r.mutex.Unlock()
		return fmt.Errorf("%w: %s", models.ErrNotConnected, role)
	}
	delete(r.handles, role)
	r.mutex.Unlock()

	r.log.Infof("Disconnected %s database", role)
	return h.close()
}

// Get returns the live handle for role. Callers use it for one operation and
// drop it.
func (r *ConnectionRegistry) Get(role models.Role) (*Handle, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	h, ok := r.handles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s database not connected", models.ErrNotConnected, role)
	}
	return h, nil
}

// Borrow is Get plus a check that the handle is still the one a job was
// admitted against.
func (r *ConnectionRegistry) Borrow(role models.Role, generation uint64) (*Handle, error) {
	h, err := r.Get(role)
	if err != nil {
		return nil, err
	}
	if h.generation != generation {
		return nil, fmt.Errorf("%w: %s generation %d, job expected %d", models.ErrConnectionReplaced, role, h.generation, generation)
	}
	return h, nil
}

// Admit runs fn with the current generation of every role while no
// connection can be swapped. Both roles must be connected.
func (r *ConnectionRegistry) Admit(fn func(generations map[models.Role]uint64) error) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	generations := make(map[models.Role]uint64, len(models.Roles))
	for _, role := range models.Roles {
		h, ok := r.handles[role]
		if !ok {
			return fmt.Errorf("%w: %s database not connected", models.ErrNotConnected, role)
		}
		generations[role] = h.generation
	}
	return fn(generations)
}

// Sweep closes handles idle longer than the idle timeout. It returns the
// number of handles closed.
func (r *ConnectionRegistry) Sweep() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	now := r.now()
	var idle []*Handle

	r.mutex.Lock()
	if r.jobs.HasActive() {
		r.mutex.Unlock()
		return 0
	}
	for role, h := range r.handles {
		if h.inUse.Load() == 0 && now.Sub(h.LastUsed()) > r.idleTimeout {
			delete(r.handles, role)
			idle = append(idle, h)
		}
	}
	r.mutex.Unlock()

	for _, h := range idle {
		r.log.Infof("Closing idle %s connection (last used %s)", h.Role(), h.LastUsed().Format(time.RFC3339))
		if err := h.close(); err != nil {
			r.log.Warnf("Error closing idle %s connection: %v", h.Role(), err)
		}
	}
	return len(idle)
}

func (r *ConnectionRegistry) Status() []ConnectionStatus {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	statuses := make([]ConnectionStatus, 0, len(models.Roles))
	for _, role := range models.Roles {
		status := ConnectionStatus{Role: role, Generation: r.generations[role]}
		if h, ok := r.handles[role]; ok {
			lastUsed := h.LastUsed()
			status.Connected = true
			status.Driver = h.cfg.Driver
			status.Host = h.cfg.Host
			status.Database = h.cfg.Database
			status.LastUsed = &lastUsed
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Close releases every handle.
func (r *ConnectionRegistry) Close() {
	r.mutex.Lock()
	handles := r.handles
	r.handles = make(map[models.Role]*Handle)
	r.mutex.Unlock()

	for role, h := range handles {
		if err := h.close(); err != nil {
			r.log.Warnf("Error closing %s connection: %v", role, err)
		} else {
			r.log.Infof("%s database connection closed", role)
		}
	}
}
