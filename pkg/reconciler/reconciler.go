package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/convsync/pkg/events"
	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/metrics"
	"github.com/cuemby/convsync/pkg/projection"
	"github.com/cuemby/convsync/pkg/readstore"
	"github.com/cuemby/convsync/pkg/storage"
	"github.com/cuemby/convsync/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const component = "reconciler"

// Config controls the periodic sweep
type Config struct {
	Interval time.Duration `yaml:"interval"`
	// Staleness selects records not reconciled for this long; zero disables it
	Staleness time.Duration `yaml:"staleness"`
	// PendingTimeout selects dual-writes stuck in Pending
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	// Since and SampleRate select a deterministic sample of recently updated records
	Since            time.Duration `yaml:"since"`
	SampleRate       float64       `yaml:"sample_rate"`
	BatchLimit       int           `yaml:"batch_limit"`
	AlertThreshold   int           `yaml:"alert_threshold"`
	ShardIndex       int           `yaml:"shard_index"`
	ShardCount       int           `yaml:"shard_count"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// DefaultConfig returns the reconciler defaults
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		Staleness:        24 * time.Hour,
		PendingTimeout:   time.Minute,
		Since:            10 * time.Minute,
		SampleRate:       0.01,
		BatchLimit:       500,
		AlertThreshold:   3,
		ShardCount:       1,
		OperationTimeout: 2 * time.Second,
	}
}

// Window selects which ledger records one sweep examines
type Window struct {
	Staleness      time.Duration
	PendingTimeout time.Duration
	Since          time.Duration
	SampleRate     float64
	Limit          int
	ShardIndex     int
	ShardCount     int
	// EntityIDs restricts the sweep to these entities regardless of the other criteria
	EntityIDs []string
}

// Window returns the window the periodic sweep uses
func (c Config) Window() Window {
	return Window{
		Staleness:      c.Staleness,
		PendingTimeout: c.PendingTimeout,
		Since:          c.Since,
		SampleRate:     c.SampleRate,
		Limit:          c.BatchLimit,
		ShardIndex:     c.ShardIndex,
		ShardCount:     c.ShardCount,
	}
}

// StateLoader reads authoritative entity state
type StateLoader interface {
	Load(ctx context.Context, entityType types.EntityType, entityID string) (*types.EntityState, error)
}

type outcome string

const (
	outcomeConsistent outcome = "consistent"
	outcomeReconciled outcome = "reconciled"
	outcomeSuperseded outcome = "superseded"
	outcomeFailed     outcome = "failed"
)

// Reconciler re-derives projections from the write store and repairs the
// read store wherever they diverge
type Reconciler struct {
	source StateLoader
	ledger storage.Ledger
	reads  readstore.Store
	alerts events.Publisher
	cfg    Config
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu       sync.Mutex
	last     *types.ReconciliationReport
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler
func NewReconciler(source StateLoader, ledger storage.Ledger, reads readstore.Store, alerts events.Publisher, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = def.AlertThreshold
	}
	return &Reconciler{
		source: source,
		ledger: ledger,
		reads:  reads,
		alerts: alerts,
		cfg:    cfg,
		logger: log.WithComponent(component),
		tracer: otel.Tracer("convsync/reconciler"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(ctx, r.DefaultWindow()); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// DefaultWindow returns the window the periodic sweep uses
func (r *Reconciler) DefaultWindow() Window {
	return r.cfg.Window()
}

// LastReport returns the report of the most recent sweep, or nil
func (r *Reconciler) LastReport() *types.ReconciliationReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	report := *r.last
	return &report
}

// Reconcile performs one sweep over the records selected by w. Failures of
// single entities are counted in the report and never stop the sweep; an
// error is returned only when the ledger cannot be scanned or ctx ends.
func (r *Reconciler) Reconcile(ctx context.Context, w Window) (types.ReconciliationReport, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	// one sweep at a time: the ticker and on-demand requests share the lock
	r.mu.Lock()
	defer r.mu.Unlock()

	report := types.ReconciliationReport{StartedAt: r.now().UTC()}

	records, err := r.selectRecords(ctx, w)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentReconciler, false, err.Error())
		return report, err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			report.Duration = timer.Duration()
			return report, err
		}

		report.Examined++
		out, removed := r.reconcileEntity(ctx, rec)
		metrics.ReconciledEntitiesTotal.WithLabelValues(string(out)).Inc()
		switch out {
		case outcomeConsistent:
			report.Consistent++
		case outcomeReconciled:
			report.Reconciled++
		case outcomeSuperseded:
			report.Superseded++
		case outcomeFailed:
			report.Failed++
			report.FailedEntities = append(report.FailedEntities, rec.EntityID)
		}
		if removed {
			report.Removed++
		}
	}

	report.Duration = timer.Duration()
	r.last = &report
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "")

	event := r.logger.Info()
	if report.Examined == 0 {
		event = r.logger.Debug()
	}
	event.
		Int("examined", report.Examined).
		Int("reconciled", report.Reconciled).
		Int("consistent", report.Consistent).
		Int("failed", report.Failed).
		Int("superseded", report.Superseded).
		Int("removed", report.Removed).
		Dur("duration", report.Duration).
		Msg("Reconciliation sweep completed")

	if r.alerts != nil && (report.Reconciled > 0 || report.Failed > 0) {
		r.alerts.Publish(&events.Event{
			Type: events.EventReconcileCompleted,
			Message: fmt.Sprintf("reconciled %d, failed %d of %d examined",
				report.Reconciled, report.Failed, report.Examined),
		})
	}
	return report, nil
}

func (r *Reconciler) selectRecords(ctx context.Context, w Window) ([]*types.SyncRecord, error) {
	if len(w.EntityIDs) > 0 {
		var records []*types.SyncRecord
		for _, id := range w.EntityIDs {
			rec, err := r.ledger.Get(ctx, id)
			if errors.Is(err, types.ErrNotFound) {
				r.logger.Warn().Str("entity_id", id).Msg("No sync record for requested entity")
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read sync record %s: %w", id, err)
			}
			records = append(records, rec)
		}
		return records, nil
	}

	now := r.now()
	records, err := r.ledger.Scan(ctx, func(rec *types.SyncRecord) bool {
		return InShard(rec.EntityID, w.ShardIndex, w.ShardCount) && selected(rec, w, now)
	}, w.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return records, nil
}

func selected(rec *types.SyncRecord, w Window, now time.Time) bool {
	switch {
	case rec.DualWriteStatus == types.DualWriteFailed:
		return true
	case rec.RepairRequested:
		return true
	case rec.DualWriteStatus == types.DualWritePending && w.PendingTimeout > 0 &&
		now.Sub(rec.UpdatedAt) > w.PendingTimeout:
		return true
	case w.Staleness > 0 && now.Sub(rec.LastReconciledAt) > w.Staleness:
		return true
	case w.Since > 0 && now.Sub(rec.UpdatedAt) <= w.Since:
		return Sampled(rec.EntityID, w.SampleRate)
	}
	return false
}

// InShard reports whether an entity belongs to shard index of count
func InShard(entityID string, index, count int) bool {
	if count <= 1 {
		return true
	}
	return int(xxhash.Sum64String(entityID)%uint64(count)) == index
}

// Sampled deterministically selects about rate of all entity ids
func Sampled(entityID string, rate float64) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 1:
		return true
	}
	const buckets = 10000
	return float64(xxhash.Sum64String("sample/"+entityID)%buckets) < rate*buckets
}

// reconcileEntity converges one entity and reports whether its ledger
// record was removed
func (r *Reconciler) reconcileEntity(ctx context.Context, rec *types.SyncRecord) (outcome, bool) {
	ctx, span := r.tracer.Start(ctx, "reconciler.reconcileEntity", trace.WithAttributes(
		attribute.String("entity.id", rec.EntityID),
		attribute.String("entity.type", string(rec.EntityType)),
	))
	defer span.End()

	logger := log.WithEntityID(r.logger, rec.EntityID)

	out, state, err := r.repair(ctx, rec, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repair failed")
		r.recordFailure(ctx, rec, err, logger)
		return outcomeFailed, false
	}
	span.SetAttributes(attribute.String("reconcile.outcome", string(out)))

	sourceVersion := uint64(0)
	deleted := state == nil || state.Deleted
	if state != nil {
		sourceVersion = state.Version
	}

	now := r.now().UTC()
	stored, err := r.updateLedger(ctx, rec, func(cur *types.SyncRecord) (bool, error) {
		if cur.HasDualWrite() && cur.DualWriteVersion <= sourceVersion {
			cur.ClearDualWrite()
		}
		cur.RepairRequested = false
		cur.RepairFailures = 0
		cur.LastReconciledAt = now
		if sourceVersion > cur.LastAppliedVersion {
			cur.LastAppliedVersion = sourceVersion
		}
		if state == nil || sourceVersion >= cur.LastAppliedVersion {
			cur.Tombstoned = deleted
		}
		return true, nil
	})
	if err != nil {
		r.recordFailure(ctx, rec, err, logger)
		return outcomeFailed, false
	}

	if !stored.Tombstoned || !deleted || stored.HasDualWrite() || out == outcomeSuperseded {
		return out, false
	}
	return out, r.removeTombstone(ctx, stored, logger)
}

// repair compares the stored projection with the one derived from the write
// store and overwrites it on mismatch. state is nil when the write store has
// no row for the entity.
func (r *Reconciler) repair(ctx context.Context, rec *types.SyncRecord, logger zerolog.Logger) (outcome, *types.EntityState, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()

	state, err := r.source.Load(opCtx, rec.EntityType, rec.EntityID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		state = nil
	case err != nil:
		return outcomeFailed, nil, types.Transient("writestore.load", err)
	}

	var expected *types.ProjectedEntity
	if state != nil && !state.Deleted {
		expected, err = projection.FromState(state)
		if err != nil {
			return outcomeFailed, nil, err
		}
	}

	actual, err := r.reads.Get(opCtx, rec.EntityID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		actual = nil
	case err != nil:
		return outcomeFailed, nil, err
	}

	reason := projection.Diff(expected, actual)
	if reason == "" {
		return outcomeConsistent, state, nil
	}

	divergence := &types.ProjectionDivergenceError{EntityID: rec.EntityID, Reason: reason}
	if expected != nil {
		divergence.Expected = expected.Version
	}
	if actual != nil {
		divergence.Actual = actual.Version
	}
	logger.Warn().Err(divergence).Msg("Projection diverged from write store")
	if r.alerts != nil {
		r.alerts.Publish(&events.Event{
			Type:     events.EventProjectionDiverged,
			EntityID: rec.EntityID,
			Message:  divergence.Error(),
		})
	}

	if expected != nil {
		err = r.reads.Upsert(opCtx, expected)
	} else {
		version := rec.LastAppliedVersion
		if state != nil && state.Version > version {
			version = state.Version
		}
		if actual != nil && actual.Version > version {
			version = actual.Version
		}
		err = r.reads.Delete(opCtx, rec.EntityType, rec.EntityID, version)
	}
	if errors.Is(err, types.ErrStaleWrite) {
		// a newer commit reached the read store after the write store was read
		return outcomeSuperseded, state, nil
	}
	if err != nil {
		return outcomeFailed, nil, err
	}
	return outcomeReconciled, state, nil
}

func (r *Reconciler) updateLedger(ctx context.Context, rec *types.SyncRecord, mutate storage.Mutation) (*types.SyncRecord, error) {
	return storage.Update(ctx, r.ledger, component, r.cfg.OperationTimeout, rec.EntityType, rec.EntityID, mutate)
}

func (r *Reconciler) recordFailure(ctx context.Context, rec *types.SyncRecord, cause error, logger zerolog.Logger) {
	stored, err := r.updateLedger(ctx, rec, func(cur *types.SyncRecord) (bool, error) {
		cur.RepairFailures++
		cur.RepairRequested = true
		return true, nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record repair failure")
		return
	}

	logger.Warn().Err(cause).Int("repair_failures", stored.RepairFailures).Msg("Repair failed")
	if r.alerts == nil {
		return
	}
	r.alerts.Publish(&events.Event{
		Type:     events.EventRepairFailed,
		EntityID: rec.EntityID,
		Message:  cause.Error(),
	})
	if stored.RepairFailures >= r.cfg.AlertThreshold {
		r.alerts.Publish(&events.Event{
			Type:     events.EventRepairAlert,
			EntityID: rec.EntityID,
			Message:  fmt.Sprintf("repair failed %d times in a row: %v", stored.RepairFailures, cause),
			Metadata: map[string]string{"repair_failures": fmt.Sprintf("%d", stored.RepairFailures)},
		})
	}
}

// removeTombstone deletes the ledger record of a deleted entity once its
// projection is confirmed absent
func (r *Reconciler) removeTombstone(ctx context.Context, rec *types.SyncRecord, logger zerolog.Logger) bool {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()

	if _, err := r.reads.Get(opCtx, rec.EntityID); !errors.Is(err, types.ErrNotFound) {
		return false
	}
	if err := r.ledger.Delete(opCtx, rec.EntityID, rec.Revision); err != nil {
		// a concurrent writer touched the record; the next sweep retries
		logger.Debug().Err(err).Msg("Tombstone removal deferred")
		return false
	}
	logger.Debug().Msg("Removed tombstoned sync record")
	return true
}
