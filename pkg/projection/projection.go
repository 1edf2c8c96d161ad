package projection

import (
	"bytes"
	"fmt"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/goccy/go-json"
)

// fanOutKeys are the identifiers any entity payload may carry
type fanOutKeys struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	HumanTurnID string `json:"human_turn_id"`
	AgentTurnID string `json:"agent_turn_id"`
}

// FromEvent derives the read-store projection for an upsert event
func FromEvent(event *types.ChangeEvent) (*types.ProjectedEntity, error) {
	if event.Operation != types.OperationUpsert {
		return nil, fmt.Errorf("cannot project %s event for %s", event.Operation, event.EntityID)
	}
	return derive(event.EntityType, event.EntityID, event.Version, event.Payload, event)
}

// FromState derives the expected projection from authoritative write-store state.
// Deleted entities have no projection.
func FromState(state *types.EntityState) (*types.ProjectedEntity, error) {
	if state.Deleted {
		return nil, fmt.Errorf("entity %s is deleted", state.EntityID)
	}
	pe, err := derive(state.EntityType, state.EntityID, state.Version, state.Payload, nil)
	if err != nil {
		return nil, err
	}
	pe.CommittedAt = state.CommittedAt
	return pe, nil
}

func derive(entityType types.EntityType, entityID string, version uint64, payload []byte, event *types.ChangeEvent) (*types.ProjectedEntity, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%s %s@%d has no payload", entityType, entityID, version)
	}

	var keys fanOutKeys
	if err := json.Unmarshal(payload, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s payload: %w", entityType, entityID, err)
	}
	if keys.ID != "" && keys.ID != entityID {
		return nil, fmt.Errorf("%s payload id %q does not match entity %s", entityType, keys.ID, entityID)
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}

	pe := &types.ProjectedEntity{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		OwnerID:    keys.UserID,
		Payload:    canonical,
	}
	if event != nil {
		pe.CommittedAt = event.CommittedAt
	}

	switch entityType {
	case types.EntitySession:
		pe.SessionID = entityID
	case types.EntityHumanTurn:
		pe.SessionID = keys.SessionID
		pe.ParentID = keys.SessionID
	case types.EntityAgentTurn:
		pe.SessionID = keys.SessionID
		pe.ParentID = keys.HumanTurnID
		if pe.ParentID == "" {
			return nil, fmt.Errorf("agent turn %s has no human_turn_id", entityID)
		}
	case types.EntityStep:
		pe.SessionID = keys.SessionID
		pe.ParentID = keys.AgentTurnID
		if pe.ParentID == "" {
			return nil, fmt.Errorf("step %s has no agent_turn_id", entityID)
		}
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	if pe.SessionID == "" {
		return nil, fmt.Errorf("%s %s has no session_id", entityType, entityID)
	}
	return pe, nil
}

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace, so equal documents compare byte-equal.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}

// Diff compares an expected projection against the stored one and returns
// a description of the first difference, or "" when they match.
func Diff(expected, actual *types.ProjectedEntity) string {
	switch {
	case expected == nil && actual == nil:
		return ""
	case expected == nil:
		return "projection present for deleted entity"
	case actual == nil:
		return "projection missing"
	case expected.Version != actual.Version:
		return fmt.Sprintf("version %d != %d", actual.Version, expected.Version)
	case expected.EntityType != actual.EntityType:
		return fmt.Sprintf("entity type %s != %s", actual.EntityType, expected.EntityType)
	case expected.SessionID != actual.SessionID:
		return fmt.Sprintf("session %q != %q", actual.SessionID, expected.SessionID)
	case expected.ParentID != actual.ParentID:
		return fmt.Sprintf("parent %q != %q", actual.ParentID, expected.ParentID)
	case expected.OwnerID != actual.OwnerID:
		return fmt.Sprintf("owner %q != %q", actual.OwnerID, expected.OwnerID)
	}

	want, err := Canonicalize(expected.Payload)
	if err != nil {
		return "expected payload invalid: " + err.Error()
	}
	got, err := Canonicalize(actual.Payload)
	if err != nil {
		return "stored payload invalid: " + err.Error()
	}
	if !bytes.Equal(want, got) {
		return "payload differs"
	}
	return ""
}

// ValidatePayload checks that an upsert payload decodes into its model and
// carries the keys its projection needs, so nothing is committed that no
// path could project.
func ValidatePayload(entityType types.EntityType, entityID string, payload []byte) error {
	if _, err := DecodePayload(entityType, payload); err != nil {
		return err
	}
	_, err := derive(entityType, entityID, 0, payload, nil)
	return err
}

// DecodePayload unmarshals an entity payload into its model, rejecting
// payloads that do not fit the entity type.
func DecodePayload(entityType types.EntityType, payload []byte) (interface{}, error) {
	var v interface{}
	switch entityType {
	case types.EntitySession:
		v = &Session{}
	case types.EntityHumanTurn:
		v = &HumanTurn{}
	case types.EntityAgentTurn:
		v = &AgentTurn{}
	case types.EntityStep:
		v = &Step{}
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", entityType, err)
	}
	return v, nil
}
