package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/convsync/pkg/events"
	"github.com/cuemby/convsync/pkg/projection"
	"github.com/cuemby/convsync/pkg/readstore"
	"github.com/cuemby/convsync/pkg/storage"
	"github.com/cuemby/convsync/pkg/types"
	"github.com/cuemby/convsync/pkg/writestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReads struct {
	readstore.Store
	err error
}

func (f *failingReads) Upsert(ctx context.Context, entity *types.ProjectedEntity) error {
	if f.err != nil {
		return f.err
	}
	return f.Store.Upsert(ctx, entity)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *recordingPublisher) Publish(e *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) count(t events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	rec    *Reconciler
	writes *writestore.SQLiteStore
	ledger *storage.BoltStore
	reads  *failingReads
	alerts *recordingPublisher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()

	writes, err := writestore.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "write.db"))
	require.NoError(t, err)
	require.NoError(t, writes.Migrate(ctx))
	t.Cleanup(func() { writes.Close() })

	ledger, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	reads, err := readstore.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { reads.Close() })

	h := &harness{
		writes: writes,
		ledger: ledger,
		reads:  &failingReads{Store: reads},
		alerts: &recordingPublisher{},
	}
	h.rec = NewReconciler(writes, ledger, h.reads, h.alerts, cfg)
	return h
}

func sessionPayload(id, title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"user_id":"u-1","title":%q}`, id, title))
}

func (h *harness) commit(t *testing.T, id, title string) *types.Commit {
	t.Helper()
	c, err := h.writes.Execute(context.Background(), &types.Command{
		ID:         "cmd-" + id,
		EntityType: types.EntitySession,
		EntityID:   id,
		Operation:  types.OperationUpsert,
		Payload:    sessionPayload(id, title),
	})
	require.NoError(t, err)
	return c
}

func (h *harness) seed(t *testing.T, id string, mutate func(*types.SyncRecord)) {
	t.Helper()
	rec := types.NewSyncRecord(types.EntitySession, id, time.Now())
	if mutate != nil {
		mutate(rec)
	}
	_, err := h.ledger.CompareAndSet(context.Background(), 0, rec)
	require.NoError(t, err)
}

func (h *harness) project(t *testing.T, id string, version uint64, title string) {
	t.Helper()
	require.NoError(t, h.reads.Store.Upsert(context.Background(), &types.ProjectedEntity{
		EntityType: types.EntitySession,
		EntityID:   id,
		Version:    version,
		SessionID:  id,
		OwnerID:    "u-1",
		Payload:    sessionPayload(id, title),
	}))
}

func (h *harness) assertConverged(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	state, err := h.writes.Load(ctx, types.EntitySession, id)
	require.NoError(t, err)
	expected, err := projection.FromState(state)
	require.NoError(t, err)
	actual, err := h.reads.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, projection.Diff(expected, actual), "entity %s", id)
}

func TestReconcileFailedDualWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	c := h.commit(t, "sess-1", "current")
	h.project(t, "sess-1", c.Version, "diverged")
	h.seed(t, "sess-1", func(r *types.SyncRecord) {
		r.DualWriteStatus = types.DualWriteFailed
		r.DualWriteVersion = c.Version
		r.LastReconciledAt = time.Now()
	})

	before := time.Now().UTC()
	report, err := h.rec.Reconcile(ctx, Window{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, 0, report.Failed)
	h.assertConverged(t, "sess-1")

	rec, err := h.ledger.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.DualWriteNone, rec.DualWriteStatus)
	assert.Equal(t, c.Version, rec.LastAppliedVersion)
	assert.False(t, rec.LastReconciledAt.Before(before))
	assert.Equal(t, 1, h.alerts.count(events.EventProjectionDiverged))
}

func TestReconcileMissingProjection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	h.commit(t, "sess-1", "v1")
	c := h.commit(t, "sess-1", "v2")
	h.seed(t, "sess-1", func(r *types.SyncRecord) { r.RepairRequested = true })

	report, err := h.rec.Reconcile(ctx, Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	h.assertConverged(t, "sess-1")

	rec, err := h.ledger.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, rec.RepairRequested)
	assert.Equal(t, c.Version, rec.LastAppliedVersion)
}

func TestReconcileConsistent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	c := h.commit(t, "sess-1", "same")
	h.project(t, "sess-1", c.Version, "same")
	h.seed(t, "sess-1", func(r *types.SyncRecord) {
		r.LastAppliedVersion = c.Version
		r.RepairRequested = true
	})

	report, err := h.rec.Reconcile(ctx, Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Consistent)
	assert.Equal(t, 0, report.Reconciled)
	assert.Equal(t, 0, h.alerts.count(events.EventProjectionDiverged))

	rec, err := h.ledger.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, rec.RepairRequested)
	assert.False(t, rec.LastReconciledAt.IsZero())
}

func TestReconcileDeletedEntityRemovesTombstone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	c := h.commit(t, "sess-1", "gone soon")
	h.project(t, "sess-1", c.Version, "gone soon")
	_, err := h.writes.Execute(ctx, &types.Command{
		EntityType: types.EntitySession,
		EntityID:   "sess-1",
		Operation:  types.OperationDelete,
	})
	require.NoError(t, err)
	h.seed(t, "sess-1", func(r *types.SyncRecord) {
		r.LastAppliedVersion = c.Version
		r.RepairRequested = true
	})

	report, err := h.rec.Reconcile(ctx, Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, 1, report.Removed)

	_, err = h.reads.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = h.ledger.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// the read store tombstone still rejects a late upsert
	err = h.reads.Upsert(ctx, &types.ProjectedEntity{
		EntityType: types.EntitySession,
		EntityID:   "sess-1",
		Version:    c.Version,
		SessionID:  "sess-1",
		Payload:    sessionPayload("sess-1", "gone soon"),
	})
	assert.ErrorIs(t, err, types.ErrStaleWrite)
}

type staleLoader struct {
	state *types.EntityState
}

func (s *staleLoader) Load(ctx context.Context, entityType types.EntityType, entityID string) (*types.EntityState, error) {
	return s.state, nil
}

func TestReconcileSupersededByNewerProjection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	// the write store read returns version 1 while CDC already projected version 2
	h.rec.source = &staleLoader{state: &types.EntityState{
		EntityType: types.EntitySession,
		EntityID:   "sess-1",
		Version:    1,
		Payload:    sessionPayload("sess-1", "old"),
	}}
	h.project(t, "sess-1", 2, "new")
	h.seed(t, "sess-1", func(r *types.SyncRecord) { r.RepairRequested = true })

	report, err := h.rec.Reconcile(ctx, Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Superseded)
	assert.Equal(t, 0, report.Failed)

	pe, err := h.reads.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pe.Version)
}

func TestReconcileRepairFailureAlerts(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AlertThreshold = 2
	h := newHarness(t, cfg)
	h.reads.err = types.Transient("readstore.upsert", errors.New("connection refused"))

	h.commit(t, "sess-1", "x")
	h.commit(t, "sess-2", "y")
	h.project(t, "sess-2", 1, "y")
	h.seed(t, "sess-1", func(r *types.SyncRecord) { r.DualWriteStatus = types.DualWriteFailed; r.DualWriteVersion = 1 })
	h.seed(t, "sess-2", func(r *types.SyncRecord) { r.RepairRequested = true })

	report, err := h.rec.Reconcile(ctx, Window{})
	require.NoError(t, err, "per-entity failures never fail the sweep")
	assert.Equal(t, 2, report.Examined)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Consistent)
	assert.Equal(t, []string{"sess-1"}, report.FailedEntities)
	assert.Equal(t, 0, h.alerts.count(events.EventRepairAlert))

	_, err = h.rec.Reconcile(ctx, Window{})
	require.NoError(t, err)

	rec, err := h.ledger.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RepairFailures)
	assert.True(t, rec.RepairRequested)
	assert.Equal(t, types.DualWriteFailed, rec.DualWriteStatus)
	assert.Equal(t, 2, h.alerts.count(events.EventRepairFailed))
	assert.Equal(t, 1, h.alerts.count(events.EventRepairAlert))

	// once the read store recovers the failure counter resets
	h.reads.err = nil
	report, err = h.rec.Reconcile(ctx, Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reconciled)

	rec, err = h.ledger.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RepairFailures)
	assert.Equal(t, types.DualWriteNone, rec.DualWriteStatus)
}

func TestReconcileConvergesStaleRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("sess-%02d", i)
		c := h.commit(t, id, "title")
		switch i % 3 {
		case 0:
			h.project(t, id, c.Version, "title")
		case 1:
			h.project(t, id, c.Version, "drifted")
		}
		h.seed(t, id, nil)
	}

	report, err := h.rec.Reconcile(ctx, Window{Staleness: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 12, report.Examined)
	assert.Equal(t, 4, report.Consistent)
	assert.Equal(t, 8, report.Reconciled)

	for i := 0; i < 12; i++ {
		h.assertConverged(t, fmt.Sprintf("sess-%02d", i))
	}

	// every record was just reconciled, so nothing is stale anymore
	report, err = h.rec.Reconcile(ctx, Window{Staleness: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Examined)
	assert.NotNil(t, h.rec.LastReport())
}

func TestReconcileEntityIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	h.commit(t, "sess-1", "a")
	h.commit(t, "sess-2", "b")
	h.seed(t, "sess-1", func(r *types.SyncRecord) { r.LastReconciledAt = time.Now() })
	h.seed(t, "sess-2", func(r *types.SyncRecord) { r.LastReconciledAt = time.Now() })

	report, err := h.rec.Reconcile(ctx, Window{EntityIDs: []string{"sess-2", "unknown"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Reconciled)

	_, err = h.reads.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	h.assertConverged(t, "sess-2")
}

func TestReconcileShards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	const total = 9
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("sess-%d", i)
		h.commit(t, id, "t")
		h.seed(t, id, func(r *types.SyncRecord) { r.RepairRequested = true })
	}

	examined := 0
	for shard := 0; shard < 3; shard++ {
		report, err := h.rec.Reconcile(ctx, Window{ShardIndex: shard, ShardCount: 3})
		require.NoError(t, err)
		examined += report.Examined
	}
	assert.Equal(t, total, examined, "every entity belongs to exactly one shard")
}

func TestSelected(t *testing.T) {
	now := time.Now()
	w := Window{Staleness: time.Hour, PendingTimeout: time.Minute, Since: 10 * time.Minute}

	tests := []struct {
		name string
		rec  types.SyncRecord
		rate float64
		want bool
	}{
		{
			name: "failed dual-write",
			rec:  types.SyncRecord{DualWriteStatus: types.DualWriteFailed, LastReconciledAt: now, UpdatedAt: now.Add(-time.Hour)},
			want: true,
		},
		{
			name: "repair requested",
			rec:  types.SyncRecord{RepairRequested: true, LastReconciledAt: now, UpdatedAt: now.Add(-time.Hour)},
			want: true,
		},
		{
			name: "stuck pending",
			rec:  types.SyncRecord{DualWriteStatus: types.DualWritePending, LastReconciledAt: now, UpdatedAt: now.Add(-2 * time.Minute)},
			want: true,
		},
		{
			name: "fresh pending is left to the coordinator",
			rec:  types.SyncRecord{DualWriteStatus: types.DualWritePending, LastReconciledAt: now, UpdatedAt: now.Add(-30 * time.Second)},
			want: false,
		},
		{
			name: "stale reconciliation",
			rec:  types.SyncRecord{LastReconciledAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Hour)},
			want: true,
		},
		{
			name: "recently updated and sampled",
			rec:  types.SyncRecord{EntityID: "x", LastReconciledAt: now, UpdatedAt: now.Add(-time.Minute)},
			rate: 1,
			want: true,
		},
		{
			name: "recently updated outside the sample",
			rec:  types.SyncRecord{EntityID: "x", LastReconciledAt: now, UpdatedAt: now.Add(-time.Minute)},
			want: false,
		},
		{
			name: "quiet and recently reconciled",
			rec:  types.SyncRecord{LastReconciledAt: now, UpdatedAt: now.Add(-time.Hour)},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			window := w
			window.SampleRate = tt.rate
			assert.Equal(t, tt.want, selected(&tt.rec, window, now))
		})
	}
}

func TestSampled(t *testing.T) {
	hits := 0
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("entity-%d", i)
		s := Sampled(id, 0.5)
		assert.Equal(t, s, Sampled(id, 0.5), "sampling must be deterministic")
		if s {
			hits++
		}
	}
	assert.InDelta(t, 500, hits, 100)
	assert.False(t, Sampled("entity-1", 0))
	assert.True(t, Sampled("entity-1", 1))
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	h := newHarness(t, cfg)

	h.rec.Start()
	require.Eventually(t, func() bool { return h.rec.LastReport() != nil }, 5*time.Second, 10*time.Millisecond)
	h.rec.Stop()
	h.rec.Stop()
}
