package readstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, version uint64, parent string, payload string) *types.ProjectedEntity {
	return &types.ProjectedEntity{
		EntityType:  types.EntityStep,
		EntityID:    id,
		Version:     version,
		SessionID:   "sess-1",
		ParentID:    parent,
		OwnerID:     "u-1",
		Payload:     json.RawMessage(payload),
		CommittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// testStoreContract exercises the conditional-write rules every Store must follow
func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("upsert and get", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, step("step-1", 1, "agent-1", `{"kind":"tool"}`)))

		got, err := s.Get(ctx, "step-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Version)
		assert.Equal(t, "agent-1", got.ParentID)
		assert.JSONEq(t, `{"kind":"tool"}`, string(got.Payload))
	})

	t.Run("same version is idempotent", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, step("step-1", 1, "agent-1", `{"kind":"tool"}`)))

		got, err := s.Get(ctx, "step-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("newer version wins", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, step("step-1", 3, "agent-1", `{"kind":"answer"}`)))

		got, err := s.Get(ctx, "step-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.Version)
		assert.JSONEq(t, `{"kind":"answer"}`, string(got.Payload))
	})

	t.Run("older version is rejected", func(t *testing.T) {
		err := s.Upsert(ctx, step("step-1", 2, "agent-1", `{"kind":"stale"}`))
		assert.ErrorIs(t, err, types.ErrStaleWrite)

		got, err := s.Get(ctx, "step-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.Version)
	})

	t.Run("layouts", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, step("step-2", 1, "agent-1", `{}`)))
		require.NoError(t, s.Upsert(ctx, step("step-3", 1, "agent-2", `{}`)))

		bySession, err := s.ListBySession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Len(t, bySession, 3)

		byParent, err := s.ListByParent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Len(t, byParent, 2)

		byOwner, err := s.ListByOwner(ctx, "u-1")
		require.NoError(t, err)
		assert.Len(t, byOwner, 3)

		none, err := s.ListByParent(ctx, "agent-9")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("fan-out key change moves the entity", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, step("step-2", 2, "agent-2", `{}`)))

		byParent, err := s.ListByParent(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, byParent, 1)
		assert.Equal(t, "step-1", byParent[0].EntityID)

		byParent, err = s.ListByParent(ctx, "agent-2")
		require.NoError(t, err)
		assert.Len(t, byParent, 2)
	})

	t.Run("delete removes from every layout", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, types.EntityStep, "step-3", 2))

		_, err := s.Get(ctx, "step-3")
		assert.ErrorIs(t, err, types.ErrNotFound)

		bySession, err := s.ListBySession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Len(t, bySession, 2)

		byParent, err := s.ListByParent(ctx, "agent-2")
		require.NoError(t, err)
		require.Len(t, byParent, 1)
		assert.Equal(t, "step-2", byParent[0].EntityID)
	})

	t.Run("tombstone blocks resurrection", func(t *testing.T) {
		err := s.Upsert(ctx, step("step-3", 1, "agent-2", `{}`))
		assert.ErrorIs(t, err, types.ErrStaleWrite)
		err = s.Upsert(ctx, step("step-3", 2, "agent-2", `{}`))
		assert.ErrorIs(t, err, types.ErrStaleWrite)

		_, err = s.Get(ctx, "step-3")
		assert.ErrorIs(t, err, types.ErrNotFound)

		// recreated with a newer version
		require.NoError(t, s.Upsert(ctx, step("step-3", 3, "agent-2", `{}`)))
		got, err := s.Get(ctx, "step-3")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.Version)
	})

	t.Run("stale delete is rejected", func(t *testing.T) {
		err := s.Delete(ctx, types.EntityStep, "step-1", 2)
		assert.ErrorIs(t, err, types.ErrStaleWrite)

		_, err = s.Get(ctx, "step-1")
		assert.NoError(t, err)
	})

	t.Run("delete of unknown entity leaves a tombstone", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, types.EntityStep, "step-9", 4))
		err := s.Upsert(ctx, step("step-9", 4, "agent-1", `{}`))
		assert.ErrorIs(t, err, types.ErrStaleWrite)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}
