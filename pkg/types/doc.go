/*
Package types defines the core data structures shared by every convsync component.

The types here describe how a conversational entity (a session, a human turn, an
agent turn, or a step) travels from the authoritative write store to the
denormalized read store, and the bookkeeping that keeps the two converging.

# Core Types

Change flow:
  - ChangeEvent: one committed mutation, emitted by the write store change log
  - Command: a mutation submitted to the write store
  - Commit: what the write store reports back, including the version it assigned

Convergence state:
  - SyncRecord: per-entity ledger entry (last applied version, dual-write status)
  - DualWriteStatus: none, pending, applied, failed
  - ProjectedEntity: read-store form of an entity, fanned out by session, parent and owner
  - EntityState: authoritative state read back from the write store
  - ReconciliationReport: counters for one reconciler sweep
  - DeadLetter: an event that exhausted its retry budget

# Versions

Every entity row in the write store carries a version that is bumped inside the
same transaction that appends to the change log. A Commit returns that version
synchronously, so a dual-write tagged with Commit.Version and the CDC event for
the same write carry identical versions:

	commit v3 ──► dual-write tagged v3 ──► read store holds v3
	          └─► change log row v3 ──► consumer sees v3 <= last applied ──► skipped

# Errors

The error taxonomy separates retryable failures from conditions that are
reported but never retried:

  - TransientStoreError (errors.Is(err, ErrTransient)): retried with backoff
  - StaleEventError: mapped to ApplySkipped, never surfaced to callers
  - ProjectionDivergenceError: repaired and counted by the reconciler
  - PermanentApplyFailure: dead-lettered and alerted
  - WriteStoreCommitFailure: returned to the command's caller

Sentinels ErrNotFound, ErrCASConflict and ErrStaleWrite are shared by the
ledger and read store implementations.
*/
package types
