package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Change consumer metrics
	EventsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_events_total",
			Help: "Change events processed by result (applied, skipped, dead_lettered)",
		},
		[]string{"entity_type", "result"},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convsync_apply_duration_seconds",
			Help:    "Time taken to apply one change event including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	ApplyRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_apply_retries_total",
			Help: "Total number of apply retries after transient failures",
		},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_dead_letters_total",
			Help: "Total number of events routed to the dead-letter path",
		},
	)

	// Feed metrics
	FeedCursor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convsync_feed_cursor",
			Help: "Last acknowledged change-log sequence",
		},
	)

	FeedGapsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convsync_feed_gaps_pending",
			Help: "Skipped change-log sequences still being rechecked for late commits",
		},
	)

	FeedGapsAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_feed_gaps_abandoned_total",
			Help: "Skipped change-log sequences given up on as rolled back",
		},
	)

	FeedBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convsync_feed_batch_size",
			Help:    "Number of change events fetched per poll",
			Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000},
		},
	)

	// Dual-write metrics
	DualWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_dual_writes_total",
			Help: "Dual-write projection attempts by outcome",
		},
		[]string{"outcome"},
	)

	DualWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convsync_dual_write_duration_seconds",
			Help:    "Time spent in the best-effort projection step after commit",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_commits_total",
			Help: "Commands executed against the write store by status",
		},
		[]string{"status"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "convsync_reconciliation_duration_seconds",
			Help:    "Reconciliation sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "convsync_reconciliation_cycles_total",
			Help: "Total number of reconciliation sweeps",
		},
	)

	ReconciledEntitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_reconciled_entities_total",
			Help: "Entities examined by the reconciler by outcome",
		},
		[]string{"outcome"},
	)

	// Ledger metrics
	LedgerCASConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convsync_ledger_cas_conflicts_total",
			Help: "Compare-and-set conflicts observed on the sync ledger by component",
		},
		[]string{"component"},
	)

	LedgerRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convsync_ledger_records",
			Help: "Sync ledger records by dual-write status",
		},
		[]string{"status"},
	)

	LedgerRepairRequested = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convsync_ledger_repair_requested",
			Help: "Sync ledger records flagged for repair",
		},
	)

	DeadLettersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convsync_dead_letters_pending",
			Help: "Dead letters waiting for replay or repair",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsAppliedTotal)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(ApplyRetriesTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(FeedCursor)
	prometheus.MustRegister(FeedBatchSize)
	prometheus.MustRegister(FeedGapsPending)
	prometheus.MustRegister(FeedGapsAbandonedTotal)
	prometheus.MustRegister(DualWritesTotal)
	prometheus.MustRegister(DualWriteDuration)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciledEntitiesTotal)
	prometheus.MustRegister(LedgerCASConflictsTotal)
	prometheus.MustRegister(LedgerRecords)
	prometheus.MustRegister(LedgerRepairRequested)
	prometheus.MustRegister(DeadLettersPending)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
