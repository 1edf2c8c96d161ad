/*
Package readstore holds the denormalized projections served to readers.

Two implementations share one contract. BoltStore keeps an entities bucket
plus by_session, by_parent and by_owner index buckets and a tombstones
bucket, all updated in one BoltDB transaction. SurrealStore keeps one
document per entity in the "projection" table and relies on UPSERT ...
WHERE for the version check.

Every write carries the entity version taken from the write store:

	upsert v  applies when stored < v, or stored == v (idempotent rewrite)
	upsert v  fails with types.ErrStaleWrite when stored > v or tombstone >= v
	delete v  removes the entity from every layout and records tombstone v

The tombstone keeps a delayed upsert from resurrecting a deleted entity.
Store failures are returned as types.TransientStoreError so callers can
retry them; ErrStaleWrite is never transient.
*/
package readstore
