/*
Package consumer applies change events from the write store to the read store.

Every event is applied through the sync ledger: the consumer reads the
entity's record, compares the event version with LastAppliedVersion, and only
projects events that move the entity forward. Redelivered and out-of-order
events are reported as ApplySkipped and leave both the read store and the
ledger untouched.

# Ordering

Events for one entity must be applied serially. Run starts one worker per
partition and the feed routes every entity to a fixed partition, so two
versions of the same entity never race. Different entities proceed in
parallel.

# Failure Handling

Process retries transient failures with exponential backoff and jitter:

	attempt 1 ──fail──▶ sleep ~100ms
	attempt 2 ──fail──▶ sleep ~200ms
	...
	attempt N ──fail──▶ dead letter + repair flag + alert

Errors that retrying cannot fix, such as a payload that does not derive a
projection, are dead-lettered on the first attempt. Dead-lettered events are
acknowledged so the partition keeps moving; the reconciler repairs the
entity from the write store and Replay can reapply the event by hand.

# Usage

	c := consumer.NewConsumer(ledger, ledger, reads, broker, consumer.DefaultConfig())
	result, err := c.Apply(ctx, &event)
*/
package consumer
