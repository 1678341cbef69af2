package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("database not connected")
	ErrTableNotFound      = errors.New("table not found")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrTimeout            = errors.New("operation timed out")
	ErrJobNotFound        = errors.New("job not found")
	ErrNotCancellable     = errors.New("job is no longer pending")
	ErrConnectionReplaced = errors.New("connection was replaced while the job was running")
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConnectionError wraps a network or authentication failure for one role.
type ConnectionError struct {
	Role    Role
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s database: %s", e.Role, e.Message)
	}
	return fmt.Sprintf("couldn't connect to the %s database: %v", e.Role, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ConflictError is returned when an operation would overlap a running sync.
type ConflictError struct {
	Table  string
	JobID  string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("table %s is already syncing (job %s)", e.Table, e.JobID)
}

// ApplyError records the batch that failed during the apply phase. Batches
// before FailedBatchIndex stay committed.
type ApplyError struct {
	FailedBatchIndex int
	Cause            error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("batch %d failed: %v", e.FailedBatchIndex, e.Cause)
}

func (e *ApplyError) Unwrap() error {
	return e.Cause
}

// ErrorKind returns a short machine readable name for err.
func ErrorKind(err error) string {
	var (
		validation *ValidationError
		connection *ConnectionError
		conflict   *ConflictError
		apply      *ApplyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &apply):
		return "apply"
	case errors.As(err, &connection):
		return "connection"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrConnectionReplaced):
		return "connection_replaced"
	case errors.Is(err, ErrTableNotFound):
		return "table_not_found"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrJobNotFound):
		return "job_not_found"
	case errors.Is(err, ErrNotCancellable):
		return "not_cancellable"
	default:
		return "internal"
	}
}
