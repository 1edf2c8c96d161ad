/*
Package dualwrite commits commands to the write store and, for
latency-critical commands, projects the committed post-image into the read
store before returning.

The write-store transaction is the only step that can fail a command. The
projection that follows is best effort:

	Execute ──commit──▶ ledger: Pending(v) ──upsert v──▶ ledger: Applied(v) | Failed(v)
	                                                     │
	                                  CDC applied v first ┴▶ Superseded (ledger untouched)

The version written to the read store is the version the write-store
transaction assigned, so when CDC later delivers the same change the
consumer recognizes it as a duplicate. A failed projection is never retried
here; the change consumer and the reconciler converge the entity.
*/
package dualwrite
