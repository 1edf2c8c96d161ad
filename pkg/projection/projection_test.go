package projection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upsert(entityType types.EntityType, id string, version uint64, payload string) *types.ChangeEvent {
	return &types.ChangeEvent{
		EntityType:  entityType,
		EntityID:    id,
		Version:     version,
		Operation:   types.OperationUpsert,
		Payload:     json.RawMessage(payload),
		CommittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFromEventFanOut(t *testing.T) {
	tests := []struct {
		name        string
		event       *types.ChangeEvent
		wantSession string
		wantParent  string
		wantOwner   string
	}{
		{
			name:        "session",
			event:       upsert(types.EntitySession, "sess-1", 1, `{"id":"sess-1","user_id":"u-1","title":"Trip"}`),
			wantSession: "sess-1",
			wantOwner:   "u-1",
		},
		{
			name:        "human turn",
			event:       upsert(types.EntityHumanTurn, "human-1", 2, `{"session_id":"sess-1","user_id":"u-1","content":"hi"}`),
			wantSession: "sess-1",
			wantParent:  "sess-1",
			wantOwner:   "u-1",
		},
		{
			name:        "agent turn",
			event:       upsert(types.EntityAgentTurn, "agent-1", 1, `{"session_id":"sess-1","human_turn_id":"human-1","user_id":"u-1"}`),
			wantSession: "sess-1",
			wantParent:  "human-1",
			wantOwner:   "u-1",
		},
		{
			name:        "step",
			event:       upsert(types.EntityStep, "step-1", 4, `{"session_id":"sess-1","agent_turn_id":"agent-1","user_id":"u-1","index":0,"kind":"tool"}`),
			wantSession: "sess-1",
			wantParent:  "agent-1",
			wantOwner:   "u-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe, err := FromEvent(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.event.EntityID, pe.EntityID)
			assert.Equal(t, tt.event.Version, pe.Version)
			assert.Equal(t, tt.wantSession, pe.SessionID)
			assert.Equal(t, tt.wantParent, pe.ParentID)
			assert.Equal(t, tt.wantOwner, pe.OwnerID)
			assert.Equal(t, tt.event.CommittedAt, pe.CommittedAt)
			assert.JSONEq(t, string(tt.event.Payload), string(pe.Payload))
		})
	}
}

func TestFromEventErrors(t *testing.T) {
	tests := []struct {
		name  string
		event *types.ChangeEvent
	}{
		{"delete event", &types.ChangeEvent{EntityType: types.EntityStep, EntityID: "s", Version: 1, Operation: types.OperationDelete}},
		{"empty payload", upsert(types.EntitySession, "sess-1", 1, ``)},
		{"invalid json", upsert(types.EntitySession, "sess-1", 1, `{"id":`)},
		{"id mismatch", upsert(types.EntitySession, "sess-1", 1, `{"id":"sess-2"}`)},
		{"step without parent", upsert(types.EntityStep, "step-1", 1, `{"session_id":"sess-1"}`)},
		{"agent turn without parent", upsert(types.EntityAgentTurn, "agent-1", 1, `{"session_id":"sess-1"}`)},
		{"human turn without session", upsert(types.EntityHumanTurn, "human-1", 1, `{"user_id":"u-1"}`)},
		{"unknown type", upsert(types.EntityType("tool"), "x", 1, `{"session_id":"sess-1"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEvent(tt.event)
			assert.Error(t, err)
		})
	}
}

func TestFromState(t *testing.T) {
	committed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := &types.EntityState{
		EntityType:  types.EntityHumanTurn,
		EntityID:    "human-1",
		Version:     3,
		Payload:     json.RawMessage(`{"session_id":"sess-1","user_id":"u-1","content":"hello"}`),
		CommittedAt: committed,
	}

	pe, err := FromState(state)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pe.Version)
	assert.Equal(t, "sess-1", pe.ParentID)
	assert.Equal(t, committed, pe.CommittedAt)

	state.Deleted = true
	_, err = FromState(state)
	assert.Error(t, err)
}

func TestCanonicalize(t *testing.T) {
	a, err := Canonicalize([]byte(`{ "b": 1, "a": {"y": [1, 2], "x": "s"} }`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{"a":{"x":"s","y":[1,2]},"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	big, err := Canonicalize([]byte(`{"n":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(big))

	_, err = Canonicalize([]byte(`not json`))
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	base := func() *types.ProjectedEntity {
		return &types.ProjectedEntity{
			EntityType: types.EntityStep,
			EntityID:   "step-1",
			Version:    2,
			SessionID:  "sess-1",
			ParentID:   "agent-1",
			OwnerID:    "u-1",
			Payload:    json.RawMessage(`{"a":1,"b":2}`),
		}
	}

	assert.Empty(t, Diff(nil, nil))
	assert.Equal(t, "projection missing", Diff(base(), nil))
	assert.Equal(t, "projection present for deleted entity", Diff(nil, base()))
	assert.Empty(t, Diff(base(), base()))

	reordered := base()
	reordered.Payload = json.RawMessage(`{"b":2, "a":1}`)
	assert.Empty(t, Diff(base(), reordered))

	older := base()
	older.Version = 1
	assert.Contains(t, Diff(base(), older), "version")

	moved := base()
	moved.ParentID = "agent-2"
	assert.Contains(t, Diff(base(), moved), "parent")

	changed := base()
	changed.Payload = json.RawMessage(`{"a":1,"b":3}`)
	assert.Equal(t, "payload differs", Diff(base(), changed))
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name       string
		entityType types.EntityType
		payload    string
		wantErr    string
	}{
		{"session", types.EntitySession, `{"id":"e-1","user_id":"u-1"}`, ""},
		{"human turn", types.EntityHumanTurn, `{"id":"e-1","session_id":"s-1","user_id":"u-1"}`, ""},
		{"agent turn", types.EntityAgentTurn, `{"session_id":"s-1","human_turn_id":"h-1"}`, ""},
		{"step", types.EntityStep, `{"session_id":"s-1","agent_turn_id":"a-1","index":0}`, ""},
		{"human turn without session", types.EntityHumanTurn, `{"id":"e-1","user_id":"u-1"}`, "no session_id"},
		{"agent turn without parent", types.EntityAgentTurn, `{"session_id":"s-1"}`, "no human_turn_id"},
		{"step without parent", types.EntityStep, `{"session_id":"s-1"}`, "no agent_turn_id"},
		{"step without session", types.EntityStep, `{"agent_turn_id":"a-1"}`, "no session_id"},
		{"id mismatch", types.EntitySession, `{"id":"other"}`, "does not match"},
		{"wrong field type", types.EntityHumanTurn, `{"session_id":"s-1","content":42}`, "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.entityType, "e-1", []byte(tt.payload))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodePayload(t *testing.T) {
	v, err := DecodePayload(types.EntityStep, []byte(`{"id":"step-1","agent_turn_id":"agent-1","index":2,"kind":"tool","input":{"q":"x"}}`))
	require.NoError(t, err)
	step, ok := v.(*Step)
	require.True(t, ok)
	assert.Equal(t, 2, step.Index)
	assert.Equal(t, "agent-1", step.AgentTurnID)
	assert.JSONEq(t, `{"q":"x"}`, string(step.Input))

	_, err = DecodePayload(types.EntitySession, []byte(`{"id": 5}`))
	assert.Error(t, err)

	_, err = DecodePayload(types.EntityType("tool"), []byte(`{}`))
	assert.Error(t, err)
}
