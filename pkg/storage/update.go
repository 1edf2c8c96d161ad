package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/convsync/pkg/metrics"
	"github.com/cuemby/convsync/pkg/types"
)

// MaxCASAttempts bounds the reread-and-retry loop in Update
const MaxCASAttempts = 32

// Mutation inspects the current record and edits it in place. It returns
// false when the record should be left as is. It may run more than once
// when writers race, so any side effects must be idempotent.
type Mutation func(record *types.SyncRecord) (bool, error)

// Update applies mutate to the entity's record with compare-and-set,
// rereading and retrying on conflict. A record that does not exist yet is
// created with LastAppliedVersion 0. component labels the conflict metric.
// Each ledger call gets its own timeout when timeout is positive.
func Update(ctx context.Context, ledger Ledger, component string, timeout time.Duration, entityType types.EntityType, entityID string, mutate Mutation) (*types.SyncRecord, error) {
	for attempt := 0; attempt < MaxCASAttempts; attempt++ {
		current, err := withTimeout(ctx, timeout, func(ctx context.Context) (*types.SyncRecord, error) {
			return ledger.Get(ctx, entityID)
		})
		switch {
		case errors.Is(err, types.ErrNotFound):
			current = types.NewSyncRecord(entityType, entityID, time.Now())
		case err != nil:
			return nil, types.Transient("ledger.get", err)
		}

		next := current.Clone()
		changed, err := mutate(next)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}

		stored, err := withTimeout(ctx, timeout, func(ctx context.Context) (*types.SyncRecord, error) {
			return ledger.CompareAndSet(ctx, current.Revision, next)
		})
		if errors.Is(err, types.ErrCASConflict) {
			metrics.LedgerCASConflictsTotal.WithLabelValues(component).Inc()
			continue
		}
		if err != nil {
			return nil, types.Transient("ledger.cas", err)
		}
		return stored, nil
	}
	return nil, types.Transient("ledger.cas", fmt.Errorf("entity %s: gave up after %d conflicts: %w",
		entityID, MaxCASAttempts, types.ErrCASConflict))
}

func withTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (*types.SyncRecord, error)) (*types.SyncRecord, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
