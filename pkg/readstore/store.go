package readstore

import (
	"context"

	"github.com/cuemby/convsync/pkg/types"
)

// Store is the denormalized read store. Writes are conditional on the
// entity version: an Upsert or Delete whose version is older than what is
// stored, or not newer than a recorded deletion, fails with
// types.ErrStaleWrite and leaves the store untouched. Writing the same
// version again is an idempotent overwrite.
type Store interface {
	Upsert(ctx context.Context, entity *types.ProjectedEntity) error

	// Delete removes the entity from every layout and records a tombstone at version
	Delete(ctx context.Context, entityType types.EntityType, entityID string, version uint64) error

	// Get returns the live projection or types.ErrNotFound
	Get(ctx context.Context, entityID string) (*types.ProjectedEntity, error)

	ListBySession(ctx context.Context, sessionID string) ([]*types.ProjectedEntity, error)
	ListByParent(ctx context.Context, parentID string) ([]*types.ProjectedEntity, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*types.ProjectedEntity, error)

	Ping(ctx context.Context) error
	Close() error
}
