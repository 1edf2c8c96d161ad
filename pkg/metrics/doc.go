/*
Package metrics provides Prometheus metrics and health reporting for convsync.

All metrics are package-level collectors registered with the default
Prometheus registry at init and exposed through Handler on /metrics.

# Metrics Catalog

Change consumer:

	convsync_events_total{entity_type, result}      counter   applied, skipped, dead_lettered
	convsync_apply_duration_seconds                 histogram one event including retries
	convsync_apply_retries_total                    counter
	convsync_dead_letters_total                     counter

Feed:

	convsync_feed_cursor                            gauge     last acknowledged sequence
	convsync_feed_batch_size                        histogram

Dual-write coordinator:

	convsync_commits_total{status}                  counter   committed, failed
	convsync_dual_writes_total{outcome}             counter   applied, failed, superseded
	convsync_dual_write_duration_seconds            histogram

Reconciler:

	convsync_reconciliation_duration_seconds        histogram
	convsync_reconciliation_cycles_total            counter
	convsync_reconciled_entities_total{outcome}     counter   reconciled, consistent, failed, superseded, removed

Sync ledger (refreshed by Collector):

	convsync_ledger_cas_conflicts_total{component}  counter
	convsync_ledger_records{status}                 gauge
	convsync_ledger_repair_requested                gauge
	convsync_dead_letters_pending                   gauge

# Usage

	timer := metrics.NewTimer()
	result, err := consumer.Apply(ctx, event)
	timer.ObserveDuration(metrics.ApplyDuration)
	metrics.EventsAppliedTotal.WithLabelValues(string(event.EntityType), string(result)).Inc()

# Health

UpdateComponent records probe results for named components. GetHealth
reports unhealthy when any component is unhealthy; GetReadiness reports
ready only once every critical component (ledger, write store, read store
by default) has reported healthy. HealthHandler and ReadyHandler serve
both as JSON with 503 on failure.
*/
package metrics
