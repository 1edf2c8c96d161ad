package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/convsync/pkg/events"
	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/metrics"
	"github.com/cuemby/convsync/pkg/projection"
	"github.com/cuemby/convsync/pkg/readstore"
	"github.com/cuemby/convsync/pkg/storage"
	"github.com/cuemby/convsync/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const component = "dualwrite"

// Config bounds the synchronous projection step
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the dual-write defaults
func DefaultConfig() Config {
	return Config{Timeout: 250 * time.Millisecond}
}

// Executor commits commands to the write store
type Executor interface {
	Execute(ctx context.Context, cmd *types.Command) (*types.Commit, error)
}

// Coordinator commits commands and, for latency-critical ones, projects the
// result into the read store right away instead of waiting for CDC. The
// projection step never fails the command.
type Coordinator struct {
	writes Executor
	ledger storage.Ledger
	reads  readstore.Store
	alerts events.Publisher
	cfg    Config
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a dual-write coordinator
func NewCoordinator(writes Executor, ledger storage.Ledger, reads readstore.Store, alerts events.Publisher, cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Coordinator{
		writes: writes,
		ledger: ledger,
		reads:  reads,
		alerts: alerts,
		cfg:    cfg,
		logger: log.WithComponent(component),
		tracer: otel.Tracer("convsync/dualwrite"),
	}
}

// Execute commits cmd. A commit failure is returned as a
// WriteStoreCommitFailure. Once the commit succeeded the command has
// succeeded; Commit.Projection reports what the projection step did.
func (c *Coordinator) Execute(ctx context.Context, cmd *types.Command) (*types.Commit, error) {
	ctx, span := c.tracer.Start(ctx, "dualwrite.Execute", trace.WithAttributes(
		attribute.String("entity.id", cmd.EntityID),
		attribute.String("entity.type", string(cmd.EntityType)),
		attribute.Bool("latency_critical", cmd.LatencyCritical),
	))
	defer span.End()

	command := *cmd
	if command.ID == "" {
		command.ID = uuid.New().String()
	}
	if command.Operation == types.OperationUpsert {
		if err := projection.ValidatePayload(command.EntityType, command.EntityID, command.Payload); err != nil {
			metrics.CommitsTotal.WithLabelValues("rejected").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid command")
			return nil, &types.WriteStoreCommitFailure{
				CommandID: command.ID,
				Err:       fmt.Errorf("%w: %v", types.ErrInvalidCommand, err),
			}
		}
	}

	commit, err := c.writes.Execute(ctx, &command)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return nil, &types.WriteStoreCommitFailure{CommandID: command.ID, Err: err}
	}
	metrics.CommitsTotal.WithLabelValues("committed").Inc()
	span.SetAttributes(attribute.Int64("entity.version", int64(commit.Version)))

	commit.Projection = types.ProjectionNotAttempted
	if command.LatencyCritical {
		commit.Projection = c.project(ctx, commit)
		span.SetAttributes(attribute.String("projection", string(commit.Projection)))
	}
	return commit, nil
}

// project runs the best-effort projection of a commit. It is bounded by the
// configured timeout and never retried here; CDC and the reconciler repair
// whatever it leaves behind.
func (c *Coordinator) project(ctx context.Context, commit *types.Commit) types.ProjectionOutcome {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DualWriteDuration)

	pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	logger := log.WithCommandID(log.WithEntityID(c.logger, commit.EntityID), commit.CommandID).
		With().Uint64("version", commit.Version).Logger()

	outcome, err := c.attempt(pctx, commit)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("Dual-write projection failed, CDC will catch up")
		if c.alerts != nil {
			c.alerts.Publish(&events.Event{
				Type:     events.EventDualWriteFailed,
				EntityID: commit.EntityID,
				Message:  err.Error(),
				Metadata: map[string]string{
					"command_id": commit.CommandID,
					"version":    fmt.Sprintf("%d", commit.Version),
				},
			})
		}
	case outcome == types.ProjectionSuperseded:
		logger.Debug().Msg("Dual-write superseded by a newer apply")
	}

	metrics.DualWritesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (c *Coordinator) attempt(ctx context.Context, commit *types.Commit) (types.ProjectionOutcome, error) {
	version := commit.Version

	superseded := false
	_, err := storage.Update(ctx, c.ledger, component, 0, commit.EntityType, commit.EntityID, func(rec *types.SyncRecord) (bool, error) {
		superseded = rec.LastAppliedVersion >= version ||
			(rec.DualWriteStatus == types.DualWritePending && rec.DualWriteVersion > version)
		if superseded {
			return false, nil
		}
		rec.DualWriteStatus = types.DualWritePending
		rec.DualWriteVersion = version
		return true, nil
	})
	if err != nil {
		return types.ProjectionFailed, fmt.Errorf("mark pending: %w", err)
	}
	if superseded {
		return types.ProjectionSuperseded, nil
	}

	writeErr := c.write(ctx, commit)
	stale := errors.Is(writeErr, types.ErrStaleWrite)

	outcome := types.ProjectionApplied
	switch {
	case stale:
		outcome = types.ProjectionSuperseded
	case writeErr != nil:
		outcome = types.ProjectionFailed
	}

	// the deadline may already be spent by the write; finalize on its own budget
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	_, err = storage.Update(fctx, c.ledger, component, 0, commit.EntityType, commit.EntityID, func(rec *types.SyncRecord) (bool, error) {
		// CDC or another dual-write moved the record on; leave it alone
		if rec.DualWriteStatus != types.DualWritePending || rec.DualWriteVersion != version {
			outcome = types.ProjectionSuperseded
			return false, nil
		}
		switch {
		case stale:
			rec.ClearDualWrite()
		case writeErr != nil:
			rec.DualWriteStatus = types.DualWriteFailed
		default:
			rec.DualWriteStatus = types.DualWriteApplied
			if version > rec.LastAppliedVersion {
				rec.LastAppliedVersion = version
				rec.Tombstoned = commit.Operation == types.OperationDelete
			}
		}
		return true, nil
	})
	if err != nil {
		return types.ProjectionFailed, fmt.Errorf("finalize dual-write: %w", err)
	}
	if outcome == types.ProjectionFailed {
		return outcome, writeErr
	}
	return outcome, nil
}

func (c *Coordinator) write(ctx context.Context, commit *types.Commit) error {
	if commit.Operation == types.OperationDelete {
		return c.reads.Delete(ctx, commit.EntityType, commit.EntityID, commit.Version)
	}
	event := commit.Event()
	pe, err := projection.FromEvent(&event)
	if err != nil {
		return err
	}
	return c.reads.Upsert(ctx, pe)
}
