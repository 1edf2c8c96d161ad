package writestore

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/convsync/pkg/types"
)

// Store is the authoritative write store. Execute applies one command in a
// single transaction that bumps the entity version and appends the matching
// change-log row, so the version returned in the Commit is exactly the
// version CDC later delivers for that write.
type Store interface {
	Execute(ctx context.Context, cmd *types.Command) (*types.Commit, error)

	// Load returns the current state of an entity, including deleted ones, or types.ErrNotFound
	Load(ctx context.Context, entityType types.EntityType, entityID string) (*types.EntityState, error)

	// Changes returns change-log events with sequence > afterSeq in sequence order
	Changes(ctx context.Context, afterSeq uint64, limit int) ([]types.ChangeEvent, error)

	// ChangesAt returns the change-log events at the given sequences that exist, in sequence order
	ChangesAt(ctx context.Context, seqs []uint64) ([]types.ChangeEvent, error)

	// PurgeChanges deletes change-log rows up to uptoSeq committed before olderThan
	PurgeChanges(ctx context.Context, uptoSeq uint64, olderThan time.Time) (int64, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and addresses a write store
type Config struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// Open returns the configured write store
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLiteStore(ctx, cfg.DSN)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown write store driver %q", cfg.Driver)
	}
}

// nextVersion validates cmd against the current row and returns the version it commits at
func nextVersion(cmd *types.Command, exists bool, currentType string, currentVersion uint64, deleted bool) (uint64, error) {
	if exists && currentType != string(cmd.EntityType) {
		return 0, fmt.Errorf("entity %s is a %s, not a %s", cmd.EntityID, currentType, cmd.EntityType)
	}
	if cmd.Operation == types.OperationDelete && (!exists || deleted) {
		return 0, fmt.Errorf("delete %s %s: %w", cmd.EntityType, cmd.EntityID, types.ErrNotFound)
	}
	return currentVersion + 1, nil
}
