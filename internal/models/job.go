package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState is a step in the SyncJob lifecycle.
type JobState string

const (
	JobPending   JobState = "pending"
	JobComparing JobState = "comparing"
	JobApplying  JobState = "applying"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether the state machine allows moving to next.
// Staying in a non-terminal state is allowed for progress updates.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case JobPending:
		return next == JobComparing || next == JobCancelled || next == JobFailed
	case JobComparing:
		return next == JobApplying || next == JobFailed
	case JobApplying:
		return next == JobCompleted || next == JobFailed
	}
	return false
}

// Direction says which side is authoritative for a sync.
type Direction string

const (
	DirectionSourceToTarget Direction = "source_to_target"
	DirectionTargetToSource Direction = "target_to_source"
)

func ParseDirection(value string, fallback Direction) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return fallback, nil
	case DirectionSourceToTarget:
		return DirectionSourceToTarget, nil
	case DirectionTargetToSource:
		return DirectionTargetToSource, nil
	}
	return "", &ValidationError{Field: "direction", Reason: fmt.Sprintf("unsupported direction %q", value)}
}

// Roles returns the role that is read from and the role that is written to.
func (d Direction) Roles() (read Role, write Role) {
	if d == DirectionTargetToSource {
		return RoleTarget, RoleSource
	}
	return RoleSource, RoleTarget
}

// SyncJob is one execution of a table synchronization.
type SyncJob struct {
	ID               string     `json:"id"`
	Table            string     `json:"tableName"`
	SourceTable      string     `json:"sourceTable"`
	TargetTable      string     `json:"targetTable"`
	Direction        Direction  `json:"direction"`
	State            JobState   `json:"state"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Inserted         int        `json:"inserted"`
	Updated          int        `json:"updated"`
	Unchanged        int        `json:"unchanged"`
	Batches          int        `json:"batches"`
	BatchesCommitted int        `json:"batchesCommitted"`
	Error            string     `json:"error,omitempty"`
	ErrorKind        string     `json:"errorKind,omitempty"`
	FailedBatchIndex *int       `json:"failedBatchIndex,omitempty"`

	SourceGeneration uint64 `json:"-"`
	TargetGeneration uint64 `json:"-"`
	Err              error  `json:"-"`
}

// NewSyncJob creates a pending job. The job is keyed by the table it writes.
func NewSyncJob(sourceTable, targetTable string, direction Direction, now time.Time) *SyncJob {
	job := &SyncJob{
		ID:          uuid.NewString(),
		SourceTable: sourceTable,
		TargetTable: targetTable,
		Direction:   direction,
		State:       JobPending,
		CreatedAt:   now,
	}
	job.Table = job.WriteTable()
	return job
}

// ReadTable is the table on the authoritative side.
func (j *SyncJob) ReadTable() string {
	if j.Direction == DirectionTargetToSource {
		return j.TargetTable
	}
	return j.SourceTable
}

// WriteTable is the table that receives changes.
func (j *SyncJob) WriteTable() string {
	if j.Direction == DirectionTargetToSource {
		return j.SourceTable
	}
	return j.TargetTable
}

// Generation returns the connection generation captured at admission.
func (j *SyncJob) Generation(role Role) uint64 {
	if role == RoleSource {
		return j.SourceGeneration
	}
	return j.TargetGeneration
}

// Fail records err on the job.
func (j *SyncJob) Fail(err error) {
	j.Err = err
	j.Error = err.Error()
	j.ErrorKind = ErrorKind(err)
	var apply *ApplyError
	if errors.As(err, &apply) {
		index := apply.FailedBatchIndex
		j.FailedBatchIndex = &index
	}
}

// Clone returns a deep copy safe to hand out of the registry.
func (j *SyncJob) Clone() SyncJob {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.FailedBatchIndex != nil {
		i := *j.FailedBatchIndex
		c.FailedBatchIndex = &i
	}
	return c
}
