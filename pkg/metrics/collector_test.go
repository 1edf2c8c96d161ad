package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeStats struct {
	stats types.LedgerStats
	err   error
}

func (f *fakeStats) Stats(ctx context.Context) (types.LedgerStats, error) {
	return f.stats, f.err
}

func TestCollectorCollect(t *testing.T) {
	source := &fakeStats{stats: types.LedgerStats{
		Total: 7,
		ByStatus: map[types.DualWriteStatus]int{
			types.DualWriteNone:    4,
			types.DualWriteApplied: 2,
			types.DualWriteFailed:  1,
		},
		RepairRequested: 1,
		DeadLetters:     3,
	}}

	c := NewCollector(source, 0)
	c.Collect(context.Background())

	assert.Equal(t, 4.0, testutil.ToFloat64(LedgerRecords.WithLabelValues("none")))
	assert.Equal(t, 0.0, testutil.ToFloat64(LedgerRecords.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(LedgerRecords.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(LedgerRepairRequested))
	assert.Equal(t, 3.0, testutil.ToFloat64(DeadLettersPending))
}

func TestCollectorCollectErrorKeepsGauges(t *testing.T) {
	DeadLettersPending.Set(5)

	c := NewCollector(&fakeStats{err: errors.New("ledger closed")}, 0)
	c.Collect(context.Background())

	assert.Equal(t, 5.0, testutil.ToFloat64(DeadLettersPending))
}
