package metrics

import (
	"context"
	"time"

	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/types"
)

// StatsSource reports aggregate ledger counts
type StatsSource interface {
	Stats(ctx context.Context) (types.LedgerStats, error)
}

// Collector periodically refreshes ledger gauges from a StatsSource
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect reads ledger stats once and updates the gauges
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("Failed to collect ledger stats")
		return
	}

	for _, status := range []types.DualWriteStatus{
		types.DualWriteNone, types.DualWritePending, types.DualWriteApplied, types.DualWriteFailed,
	} {
		LedgerRecords.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
	LedgerRepairRequested.Set(float64(stats.RepairRequested))
	DeadLettersPending.Set(float64(stats.DeadLetters))
}
