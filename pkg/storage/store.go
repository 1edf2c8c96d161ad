package storage

import (
	"context"

	"github.com/cuemby/convsync/pkg/types"
)

// RecordFilter selects ledger records during a scan
type RecordFilter func(record *types.SyncRecord) bool

// Ledger is the synchronization ledger: one SyncRecord per entity,
// updated only through compare-and-set on the record revision.
type Ledger interface {
	// Get returns the record for an entity or types.ErrNotFound
	Get(ctx context.Context, entityID string) (*types.SyncRecord, error)

	// CompareAndSet stores record if the current revision equals
	// expectedRevision. An expectedRevision of 0 means the record must not
	// exist yet. It returns the stored record with its new revision, or
	// types.ErrCASConflict.
	CompareAndSet(ctx context.Context, expectedRevision uint64, record *types.SyncRecord) (*types.SyncRecord, error)

	// Scan returns records matching filter in entity id order. A limit of 0
	// means no limit; a nil filter matches everything.
	Scan(ctx context.Context, filter RecordFilter, limit int) ([]*types.SyncRecord, error)

	// Delete removes a record if its revision still equals expectedRevision
	Delete(ctx context.Context, entityID string, expectedRevision uint64) error

	Stats(ctx context.Context) (types.LedgerStats, error)
}

// DeadLetterStore keeps events that exhausted their retry budget
type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, dl *types.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*types.DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*types.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id string) error
}

// CursorStore persists feed positions by name
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (uint64, error)
	StoreCursor(ctx context.Context, name string, sequence uint64) error
}

// Store is everything the sync core persists locally
type Store interface {
	Ledger
	DeadLetterStore
	CursorStore

	Ping(ctx context.Context) error
	Close() error
}
