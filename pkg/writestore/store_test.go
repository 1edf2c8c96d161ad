package writestore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upsertCmd(entityType types.EntityType, id, payload string) *types.Command {
	return &types.Command{
		ID:         "cmd-" + id,
		EntityType: entityType,
		EntityID:   id,
		Operation:  types.OperationUpsert,
		Payload:    json.RawMessage(payload),
	}
}

func deleteCmd(entityType types.EntityType, id string) *types.Command {
	return &types.Command{
		ID:         "del-" + id,
		EntityType: entityType,
		EntityID:   id,
		Operation:  types.OperationDelete,
	}
}

// testStoreContract runs the behaviour every write store must share
func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrate must be repeatable")

	t.Run("versions increase per entity", func(t *testing.T) {
		c1, err := s.Execute(ctx, upsertCmd(types.EntitySession, "sess-1", `{"user_id":"u-1","title":"a"}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), c1.Version)
		assert.Equal(t, "cmd-sess-1", c1.CommandID)
		assert.Equal(t, types.ProjectionNotAttempted, c1.Projection)

		c2, err := s.Execute(ctx, upsertCmd(types.EntitySession, "sess-1", `{"user_id":"u-1","title":"b"}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), c2.Version)
		assert.Greater(t, c2.Sequence, c1.Sequence)

		other, err := s.Execute(ctx, upsertCmd(types.EntityHumanTurn, "human-1", `{"session_id":"sess-1","user_id":"u-1"}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), other.Version)
	})

	t.Run("load returns current state", func(t *testing.T) {
		state, err := s.Load(ctx, types.EntitySession, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), state.Version)
		assert.False(t, state.Deleted)
		assert.JSONEq(t, `{"user_id":"u-1","title":"b"}`, string(state.Payload))
		assert.False(t, state.CommittedAt.IsZero())

		_, err = s.Load(ctx, types.EntitySession, "missing")
		assert.ErrorIs(t, err, types.ErrNotFound)

		_, err = s.Load(ctx, types.EntityStep, "sess-1")
		assert.Error(t, err)
	})

	t.Run("change log matches commits", func(t *testing.T) {
		events, err := s.Changes(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Equal(t, "sess-1", events[0].EntityID)
		assert.Equal(t, uint64(1), events[0].Version)
		assert.Equal(t, uint64(2), events[1].Version)
		assert.Equal(t, types.EntityHumanTurn, events[2].EntityType)
		for _, ev := range events {
			assert.NoError(t, ev.Validate())
		}

		after, err := s.Changes(ctx, events[0].Sequence, 1)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, events[1].Sequence, after[0].Sequence)
	})

	t.Run("changes at explicit sequences", func(t *testing.T) {
		events, err := s.Changes(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, events, 3)

		missing := events[2].Sequence + 1000
		got, err := s.ChangesAt(ctx, []uint64{events[2].Sequence, missing, events[0].Sequence})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, events[0], got[0])
		assert.Equal(t, events[2], got[1])

		got, err = s.ChangesAt(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delete bumps version and keeps row", func(t *testing.T) {
		commit, err := s.Execute(ctx, deleteCmd(types.EntityHumanTurn, "human-1"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), commit.Version)
		assert.Empty(t, commit.Payload)

		state, err := s.Load(ctx, types.EntityHumanTurn, "human-1")
		require.NoError(t, err)
		assert.True(t, state.Deleted)
		assert.Equal(t, uint64(2), state.Version)
		assert.Empty(t, state.Payload)

		events, err := s.Changes(ctx, 0, 100)
		require.NoError(t, err)
		last := events[len(events)-1]
		assert.Equal(t, types.OperationDelete, last.Operation)
		assert.Equal(t, uint64(2), last.Version)
	})

	t.Run("recreate after delete continues the version", func(t *testing.T) {
		commit, err := s.Execute(ctx, upsertCmd(types.EntityHumanTurn, "human-1", `{"session_id":"sess-1"}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(3), commit.Version)
	})

	t.Run("invalid commands fail", func(t *testing.T) {
		_, err := s.Execute(ctx, deleteCmd(types.EntityStep, "never-existed"))
		assert.ErrorIs(t, err, types.ErrNotFound)

		_, err = s.Execute(ctx, upsertCmd(types.EntityStep, "sess-1", `{}`))
		assert.Error(t, err, "entity type cannot change")

		_, err = s.Execute(ctx, &types.Command{EntityType: types.EntityStep, EntityID: "x", Operation: types.OperationUpsert})
		assert.Error(t, err)
	})

	t.Run("purge", func(t *testing.T) {
		events, err := s.Changes(ctx, 0, 100)
		require.NoError(t, err)
		require.NotEmpty(t, events)

		n, err := s.PurgeChanges(ctx, events[1].Sequence, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		rest, err := s.Changes(ctx, 0, 100)
		require.NoError(t, err)
		assert.Len(t, rest, len(events)-2)

		n, err = s.PurgeChanges(ctx, events[len(events)-1].Sequence, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestNextVersion(t *testing.T) {
	up := upsertCmd(types.EntityStep, "step-1", `{}`)
	del := deleteCmd(types.EntityStep, "step-1")

	v, err := nextVersion(up, false, "", 0, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = nextVersion(up, true, "step", 4, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	_, err = nextVersion(del, false, "", 0, false)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = nextVersion(del, true, "step", 3, true)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = nextVersion(up, true, "session", 1, false)
	assert.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}
