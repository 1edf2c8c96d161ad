/*
Package storage implements the synchronization ledger on BoltDB.

The ledger holds one SyncRecord per entity. Every mutation goes through
CompareAndSet on the record revision, so the change consumer, the
dual-write coordinator and the reconciler can race on the same entity
without losing updates: the loser gets types.ErrCASConflict, rereads,
and decides again.

# Buckets

	sync_records   entity id -> SyncRecord (CBOR)
	dead_letters   dead letter id -> DeadLetter (CBOR)
	cursors        cursor name -> big-endian uint64 sequence

Values are CBOR encoded with RFC 3339 timestamps. Struct fields reuse the
json tags of the types package.

# Usage

	store, err := storage.NewBoltStore("/var/lib/convsync")
	if err != nil {
		return err
	}
	defer store.Close()

	for {
		rec, err := store.Get(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			rec = types.NewSyncRecord(entityType, id, time.Now())
		} else if err != nil {
			return err
		}
		next := rec.Clone()
		next.LastAppliedVersion = version
		if _, err := store.CompareAndSet(ctx, rec.Revision, next); errors.Is(err, types.ErrCASConflict) {
			continue
		} else {
			return err
		}
	}

BoltDB allows a single writer per file; Open waits up to five seconds for
the file lock before failing.
*/
package storage
