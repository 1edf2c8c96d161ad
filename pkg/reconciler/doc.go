/*
Package reconciler detects and repairs divergence between the read store and
the write store.

The write store is authoritative. The reconciler periodically selects sync
ledger records that may be out of date, re-derives each entity's expected
projection from the write store, and overwrites the read store wherever the
two differ. It is the backstop for everything the change consumer and the
dual-write coordinator can leave behind: failed dual-writes, dead-lettered
events, and drift of unknown origin.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                  Reconciliation Loop                       │
	│                  (every Interval)                          │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	        ┌──────────────────┐
	        │   Ledger Scan    │  failed / repair requested /
	        │  (shard filter)  │  stuck pending / stale / sampled
	        └────────┬─────────┘
	                 │ per entity
	                 ▼
	  write store Load ──▶ expected projection
	  read store Get   ──▶ actual projection
	                 │
	         Diff ───┴─── equal ──▶ consistent
	           │
	           ▼
	  overwrite (upsert or delete, conditional on version)
	           │
	           ▼
	  ledger: status None, repair flags reset, LastReconciledAt = now

# Selection

A record is examined when any of these hold:

  - its dual-write status is Failed
  - RepairRequested is set (dead-lettered event or earlier repair failure)
  - it is Pending for longer than PendingTimeout
  - LastReconciledAt is older than Staleness
  - it was updated within Since and its id falls in the SampleRate sample

Sampling and sharding both hash the entity id with xxhash, so every replica
picks the same entities and shards never overlap. Window.EntityIDs bypasses
selection for on-demand repairs.

# Concurrency

The reconciler never locks against the consumer or the coordinator. Its read
store writes are conditional on version: if a newer version lands between
loading the write store and writing the projection, the write is rejected and
the entity is counted as superseded. Ledger updates go through
compare-and-set like every other writer.

# Deleted Entities

A deleted entity's projection is removed from every layout and the read
store keeps a tombstone at the delete version. Once the projection is
confirmed absent the ledger record itself is deleted.

# Failures

A failure to repair one entity never stops the sweep. The entity's
RepairFailures counter is incremented and RepairRequested set so the next
sweep retries it; once the counter reaches AlertThreshold a repair alert is
published on the event broker.
*/
package reconciler
