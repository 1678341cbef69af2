package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"db-sync-service/internal/models"
)

// TransitionFunc observes a job after it changed state. It runs outside the
// registry lock.
type TransitionFunc func(previous models.JobState, job models.SyncJob)

// JobRegistry tracks job lifecycle. Its table-keyed active map is the only
// admission primitive: Track checks and inserts under one lock.
type JobRegistry struct {
	mutex     sync.RWMutex
	jobs      map[string]*models.SyncJob
	active    map[string]string
	finished  map[string][]string
	retention int
	observers []TransitionFunc
	now       func() time.Time
}

// NewJobRegistry keeps the last retention finished jobs per table, at least one.
func NewJobRegistry(retention int) *JobRegistry {
	if retention < 1 {
		retention = 1
	}
	return &JobRegistry{
		jobs:      make(map[string]*models.SyncJob),
		active:    make(map[string]string),
		finished:  make(map[string][]string),
		retention: retention,
		now:       time.Now,
	}
}

// OnTransition registers fn for every state change, including admission.
func (r *JobRegistry) OnTransition(fn TransitionFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.observers = append(r.observers, fn)
}

// Track admits job if no other job for the same table is in flight.
func (r *JobRegistry) Track(job *models.SyncJob) error {
	r.mutex.Lock()
	if id, busy := r.active[job.Table]; busy {
		r.mutex.Unlock()
		return &models.ConflictError{Table: job.Table, JobID: id}
	}
	if job.State == "" {
		job.State = models.JobPending
	}
	stored := job.Clone()
	r.jobs[stored.ID] = &stored
	r.active[stored.Table] = stored.ID
	observers := r.observers
	r.mutex.Unlock()

	for _, fn := range observers {
		fn("", stored.Clone())
	}
	return nil
}

// Update moves job id to state next and applies mutate while holding the
// lock. Passing the current state records progress without a transition.
func (r *JobRegistry) Update(id string, next models.JobState, mutate func(job *models.SyncJob)) (models.SyncJob, error) {
	r.mutex.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mutex.Unlock()
		return models.SyncJob{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	previous := job.State
	if !previous.CanTransition(next) {
		r.mutex.Unlock()
		return job.Clone(), fmt.Errorf("job %s cannot move from %s to %s", id, previous, next)
	}
	if mutate != nil {
		mutate(job)
	}
	job.State = next

	now := r.now()
	if next == models.JobComparing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if next.Terminal() {
		job.CompletedAt = &now
		r.finishLocked(job)
	}
	snapshot := job.Clone()
	observers := r.observers
	r.mutex.Unlock()

	if previous != next {
		for _, fn := range observers {
			fn(previous, snapshot.Clone())
		}
	}
	return snapshot, nil
}

func (r *JobRegistry) finishLocked(job *models.SyncJob) {
	if r.active[job.Table] == job.ID {
		delete(r.active, job.Table)
	}
	ids := append(r.finished[job.Table], job.ID)
	for len(ids) > r.retention {
		delete(r.jobs, ids[0])
		ids = ids[1:]
	}
	r.finished[job.Table] = ids
}

// Cancel stops a job that has not started work yet.
func (r *JobRegistry) Cancel(id string) (models.SyncJob, error) {
	r.mutex.RLock()
	job, ok := r.jobs[id]
	var state models.JobState
	if ok {
		state = job.State
	}
	r.mutex.RUnlock()
	if !ok {
		return models.SyncJob{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if state != models.JobPending {
		return models.SyncJob{}, fmt.Errorf("%w: job %s is %s", models.ErrNotCancellable, id, state)
	}
	cancelled, err := r.Update(id, models.JobCancelled, nil)
	if err != nil {
		// A worker picked the job up between the check and the update.
		return models.SyncJob{}, fmt.Errorf("%w: %v", models.ErrNotCancellable, err)
	}
	return cancelled, nil
}

func (r *JobRegistry) Get(id string) (models.SyncJob, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.SyncJob{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// ListActive returns the in-flight job for table, if any.
func (r *JobRegistry) ListActive(table string) (models.SyncJob, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	id, ok := r.active[table]
	if !ok {
		return models.SyncJob{}, false
	}
	return r.jobs[id].Clone(), true
}

// List returns retained jobs, oldest first. An empty table lists all tables.
func (r *JobRegistry) List(table string) []models.SyncJob {
	r.mutex.RLock()
	jobs := make([]models.SyncJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		if table == "" || job.Table == table {
			jobs = append(jobs, job.Clone())
		}
	}
	r.mutex.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// HasActive reports whether any job is pending or running.
func (r *JobRegistry) HasActive() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.active) > 0
}
