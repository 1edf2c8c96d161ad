package types

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying (timeouts, unavailability)
	ErrTransient = errors.New("transient store error")

	// ErrNotFound is returned when a key is absent from a store
	ErrNotFound = errors.New("not found")

	// ErrCASConflict is returned when a compare-and-set observed a different revision
	ErrCASConflict = errors.New("compare-and-set conflict")

	// ErrStaleWrite is returned by read stores when a newer version or tombstone is present
	ErrStaleWrite = errors.New("stale projection write")

	// ErrInvalidCommand is returned for commands rejected before reaching the write store
	ErrInvalidCommand = errors.New("invalid command")
)

// TransientStoreError wraps a retryable store failure
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a TransientStoreError unless it is nil
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Deadline expiry counts as
// a failure to retry, never as success.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// StaleEventError signals an event whose version was already applied
type StaleEventError struct {
	EntityID string
	Version  uint64
	Applied  uint64
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("event %s@%d is stale (applied %d)", e.EntityID, e.Version, e.Applied)
}

// ProjectionDivergenceError describes a read-store projection that no longer
// matches what the write store derives
type ProjectionDivergenceError struct {
	EntityID string
	Expected uint64
	Actual   uint64
	Reason   string
}

func (e *ProjectionDivergenceError) Error() string {
	return fmt.Sprintf("projection %s diverged (expected v%d, found v%d): %s",
		e.EntityID, e.Expected, e.Actual, e.Reason)
}

// PermanentApplyFailure is raised when an event exhausted its retry budget
type PermanentApplyFailure struct {
	Event    ChangeEvent
	Attempts int
	Err      error
}

func (e *PermanentApplyFailure) Error() string {
	return fmt.Sprintf("apply %s@%d failed after %d attempts: %v",
		e.Event.EntityID, e.Event.Version, e.Attempts, e.Err)
}

func (e *PermanentApplyFailure) Unwrap() error { return e.Err }

// WriteStoreCommitFailure is fatal to the originating command
type WriteStoreCommitFailure struct {
	CommandID string
	Err       error
}

func (e *WriteStoreCommitFailure) Error() string {
	return fmt.Sprintf("command %s: write store commit failed: %v", e.CommandID, e.Err)
}

func (e *WriteStoreCommitFailure) Unwrap() error { return e.Err }
