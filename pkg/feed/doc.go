/*
Package feed tails the write store's change log and delivers events to the
change consumer.

The poller reads batches of events with sequence greater than its cursor,
routes each event to a partition chosen by hashing the entity id with xxhash,
and waits until every event in the batch is acknowledged before persisting
the new cursor in the ledger's cursor bucket. A crash between delivery and
cursor persistence redelivers the batch; the consumer skips what it already
applied.

Sequence holes are expected on Postgres, where a sequence value is consumed
by transactions that roll back or commit out of order. The poller stops at a
hole until the first event after it is older than GapTimeout.
*/
package feed
