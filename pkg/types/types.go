package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies which conversational entity a change belongs to
type EntityType string

const (
	EntitySession   EntityType = "session"
	EntityHumanTurn EntityType = "human_turn"
	EntityAgentTurn EntityType = "agent_turn"
	EntityStep      EntityType = "step"
)

// EntityTypes lists every entity type the write store emits changes for
var EntityTypes = []EntityType{EntitySession, EntityHumanTurn, EntityAgentTurn, EntityStep}

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	switch t {
	case EntitySession, EntityHumanTurn, EntityAgentTurn, EntityStep:
		return true
	}
	return false
}

// Operation is the kind of mutation recorded by a change event
type Operation string

const (
	OperationUpsert Operation = "upsert"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation
func (o Operation) Valid() bool {
	return o == OperationUpsert || o == OperationDelete
}

// ChangeEvent is one committed mutation of one entity in the write store.
// Events are immutable once emitted and may be redelivered.
type ChangeEvent struct {
	// Sequence is the change-log position (transport offset), not a version
	Sequence    uint64          `json:"sequence"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Version     uint64          `json:"version"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Validate checks the event carries everything needed to apply it
func (e *ChangeEvent) Validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("change event has empty entity id")
	}
	if !e.EntityType.Valid() {
		return fmt.Errorf("change event %s has unknown entity type %q", e.EntityID, e.EntityType)
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("change event %s has unknown operation %q", e.EntityID, e.Operation)
	}
	if e.Version == 0 {
		return fmt.Errorf("change event %s has zero version", e.EntityID)
	}
	if e.Operation == OperationUpsert && len(e.Payload) == 0 {
		return fmt.Errorf("upsert event %s@%d has no payload", e.EntityID, e.Version)
	}
	return nil
}

// DualWriteStatus tracks the state of the most recent dual-write for an entity
type DualWriteStatus string

const (
	DualWriteNone    DualWriteStatus = "none"
	DualWritePending DualWriteStatus = "pending"
	DualWriteApplied DualWriteStatus = "applied"
	DualWriteFailed  DualWriteStatus = "failed"
)

// SyncRecord is the ledger entry tracking convergence for one entity
type SyncRecord struct {
	EntityID           string          `json:"entity_id"`
	EntityType         EntityType      `json:"entity_type"`
	LastAppliedVersion uint64          `json:"last_applied_version"`
	DualWriteStatus    DualWriteStatus `json:"dual_write_status"`
	DualWriteVersion   uint64          `json:"dual_write_version,omitempty"`
	LastReconciledAt   time.Time       `json:"last_reconciled_at"`

	// Revision is the compare-and-set token, bumped by the ledger on every write
	Revision        uint64    `json:"revision"`
	RepairRequested bool      `json:"repair_requested,omitempty"`
	RepairFailures  int       `json:"repair_failures,omitempty"`
	Tombstoned      bool      `json:"tombstoned,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewSyncRecord returns a fresh record for an entity seen for the first time
func NewSyncRecord(entityType EntityType, entityID string, now time.Time) *SyncRecord {
	return &SyncRecord{
		EntityID:        entityID,
		EntityType:      entityType,
		DualWriteStatus: DualWriteNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a copy that can be mutated and passed to CompareAndSet
func (r *SyncRecord) Clone() *SyncRecord {
	c := *r
	return &c
}

// HasDualWrite reports whether a dual-write is outstanding since the last CDC catch-up
func (r *SyncRecord) HasDualWrite() bool {
	return r.DualWriteStatus != "" && r.DualWriteStatus != DualWriteNone
}

// ClearDualWrite resets the dual-write state once CDC or the reconciler confirmed convergence
func (r *SyncRecord) ClearDualWrite() {
	r.DualWriteStatus = DualWriteNone
	r.DualWriteVersion = 0
}

// ProjectedEntity is the denormalized read-store form of an entity.
// It is always derived and can be rebuilt from the write store.
type ProjectedEntity struct {
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Version     uint64          `json:"version"`
	SessionID   string          `json:"session_id,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CommittedAt time.Time       `json:"committed_at"`
}

// EntityState is the authoritative state of one entity as read from the write store
type EntityState struct {
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Version     uint64          `json:"version"`
	Deleted     bool            `json:"deleted"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Command is a mutation submitted to the write store
type Command struct {
	ID         string          `json:"id" yaml:"id"`
	EntityType EntityType      `json:"entity_type" yaml:"entity_type"`
	EntityID   string          `json:"entity_id" yaml:"entity_id"`
	Operation  Operation       `json:"operation" yaml:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty" yaml:"-"`
	// LatencyCritical commands get an immediate best-effort projection
	LatencyCritical bool `json:"latency_critical" yaml:"latency_critical"`
}

// Validate checks a command before it reaches the write store
func (c *Command) Validate() error {
	if c.EntityID == "" {
		return fmt.Errorf("command has empty entity id")
	}
	if !c.EntityType.Valid() {
		return fmt.Errorf("command for %s has unknown entity type %q", c.EntityID, c.EntityType)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("command for %s has unknown operation %q", c.EntityID, c.Operation)
	}
	if c.Operation == OperationUpsert && len(c.Payload) == 0 {
		return fmt.Errorf("upsert command for %s has no payload", c.EntityID)
	}
	return nil
}

// ProjectionOutcome reports what the dual-write step did after a commit
type ProjectionOutcome string

const (
	ProjectionNotAttempted ProjectionOutcome = "not_attempted"
	ProjectionApplied      ProjectionOutcome = "applied"
	ProjectionFailed       ProjectionOutcome = "failed"
	ProjectionSuperseded   ProjectionOutcome = "superseded"
)

// Commit is the result of a successful write-store transaction
type Commit struct {
	CommandID   string          `json:"command_id"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Version     uint64          `json:"version"`
	Sequence    uint64          `json:"sequence"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`

	Projection ProjectionOutcome `json:"projection"`
}

// Event converts the commit into the change event CDC will eventually deliver for it
func (c *Commit) Event() ChangeEvent {
	return ChangeEvent{
		Sequence:    c.Sequence,
		EntityType:  c.EntityType,
		EntityID:    c.EntityID,
		Version:     c.Version,
		Operation:   c.Operation,
		Payload:     c.Payload,
		CommittedAt: c.CommittedAt,
	}
}

// ApplyResult is the outcome of applying one change event
type ApplyResult string

const (
	ApplyApplied ApplyResult = "applied"
	ApplySkipped ApplyResult = "skipped"
)

// ReconciliationReport summarizes one reconciler sweep
type ReconciliationReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Examined   int           `json:"examined"`
	Reconciled int           `json:"reconciled"`
	Consistent int           `json:"consistent"`
	Failed     int           `json:"failed"`
	// Superseded counts entities whose read store already held a newer version than the source read
	Superseded     int      `json:"superseded"`
	Removed        int      `json:"removed"`
	FailedEntities []string `json:"failed_entities,omitempty"`
}

// DeadLetter is an event that exhausted its retry budget
type DeadLetter struct {
	ID        string      `json:"id"`
	Event     ChangeEvent `json:"event"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error"`
	FailedAt  time.Time   `json:"failed_at"`
}

// LedgerStats counts ledger records for metrics and the stats endpoint
type LedgerStats struct {
	Total           int                     `json:"total"`
	ByStatus        map[DualWriteStatus]int `json:"by_status"`
	RepairRequested int                     `json:"repair_requested"`
	Tombstoned      int                     `json:"tombstoned"`
	DeadLetters     int                     `json:"dead_letters"`
}
