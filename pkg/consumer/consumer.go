package consumer

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

const component = "consumer"

// Config bounds how hard the consumer tries before dead-lettering an event
type Config struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// DefaultConfig returns the consumer defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		OperationTimeout: 2 * time.Second,
	}
}

// Consumer applies change events to the read store and records progress in
// the ledger. Callers must not apply two events for the same entity
// concurrently; Run guarantees that by partitioning on entity id.
type Consumer struct {
	ledger      storage.Ledger
	deadLetters storage.DeadLetterStore
	reads       readstore.Store
	alerts      events.Publisher
	cfg         Config
	backoff     *Backoff
	logger      zerolog.Logger
	tracer      trace.Tracer
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewConsumer creates a change consumer
func NewConsumer(ledger storage.Ledger, deadLetters storage.DeadLetterStore, reads readstore.Store, alerts events.Publisher, cfg Config) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultConfig().OperationTimeout
	}
	return &Consumer{
		ledger:      ledger,
		deadLetters: deadLetters,
		reads:       reads,
		alerts:      alerts,
		cfg:         cfg,
		backoff:     NewBackoff(cfg.BaseBackoff, cfg.MaxBackoff),
		logger:      log.WithComponent(component),
		tracer:      otel.Tracer("convsync/consumer"),
		sleep:       sleepContext,
	}
}

// Apply applies one event. It returns ApplySkipped when the ledger already
// covers the event's version and ApplyApplied otherwise. Applying the same
// event again is always safe.
func (c *Consumer) Apply(ctx context.Context, event *types.ChangeEvent) (types.ApplyResult, error) {
	ctx, span := c.tracer.Start(ctx, "consumer.Apply", trace.WithAttributes(
		attribute.String("entity.id", event.EntityID),
		attribute.String("entity.type", string(event.EntityType)),
		attribute.Int64("entity.version", int64(event.Version)),
	))
	defer span.End()

	if err := event.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return "", err
	}

	result := types.ApplyApplied
	var applied uint64
	_, err := c.updateLedger(ctx, event.EntityType, event.EntityID, func(rec *types.SyncRecord) (bool, error) {
		applied = rec.LastAppliedVersion
		if event.Version <= rec.LastAppliedVersion {
			// redelivery leaves the record untouched. An Applied dual-write
			// marker at this version returns to None when the next version is
			// applied or when the reconciler confirms the entity.
			result = types.ApplySkipped
			return false, nil
		}

		result = types.ApplyApplied
		if err := c.project(ctx, event); err != nil {
			return false, err
		}

		rec.LastAppliedVersion = event.Version
		rec.Tombstoned = event.Operation == types.OperationDelete
		if rec.HasDualWrite() && event.Version >= rec.DualWriteVersion {
			rec.ClearDualWrite()
		}
		return true, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return "", err
	}

	span.SetAttributes(attribute.String("apply.result", string(result)))
	if result == types.ApplySkipped {
		c.logger.Debug().
			Err(&types.StaleEventError{EntityID: event.EntityID, Version: event.Version, Applied: applied}).
			Msg("Skipped event")
	}
	return result, nil
}

// project writes the event to the read store. A rejected stale write means
// a newer version is already projected, which satisfies this event.
func (c *Consumer) project(ctx context.Context, event *types.ChangeEvent) error {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	var err error
	switch event.Operation {
	case types.OperationDelete:
		err = c.reads.Delete(opCtx, event.EntityType, event.EntityID, event.Version)
	default:
		var pe *types.ProjectedEntity
		pe, err = projection.FromEvent(event)
		if err != nil {
			return err
		}
		err = c.reads.Upsert(opCtx, pe)
	}

	if errors.Is(err, types.ErrStaleWrite) {
		c.logger.Debug().Str("entity_id", event.EntityID).Uint64("version", event.Version).
			Msg("Read store already holds a newer version")
		return nil
	}
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return types.Transient("readstore.write", err)
	}
	return err
}

func (c *Consumer) updateLedger(ctx context.Context, entityType types.EntityType, entityID string, mutate storage.Mutation) (*types.SyncRecord, error) {
	return storage.Update(ctx, c.ledger, component, c.cfg.OperationTimeout, entityType, entityID, mutate)
}

// Process applies an event with retries. It returns nil once the event can be
// acknowledged: applied, skipped, or dead-lettered after exhausting its
// attempts. It returns an error only when ctx ends first, in which case the
// event must not be acknowledged.
func (c *Consumer) Process(ctx context.Context, event *types.ChangeEvent) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ApplyDuration)

	var lastErr error
	attempts := 0
	for attempts < c.cfg.MaxAttempts {
		attempts++

		result, err := c.Apply(ctx, event)
		if err == nil {
			metrics.EventsAppliedTotal.WithLabelValues(string(event.EntityType), string(result)).Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		if !types.IsTransient(err) {
			break
		}

		c.logger.Warn().Err(err).
			Str("entity_id", event.EntityID).
			Uint64("version", event.Version).
			Int("attempt", attempts).
			Msg("Apply failed, retrying")

		if attempts < c.cfg.MaxAttempts {
			metrics.ApplyRetriesTotal.Inc()
			if err := c.sleep(ctx, c.backoff.NextDelay(attempts-1)); err != nil {
				return err
			}
		}
	}

	return c.deadLetter(ctx, &types.PermanentApplyFailure{Event: *event, Attempts: attempts, Err: lastErr})
}

// deadLetter parks the event, flags the entity for repair and raises an
// alert. Parking is retried until it succeeds or ctx ends, so a failed
// event is never silently dropped.
func (c *Consumer) deadLetter(ctx context.Context, failure *types.PermanentApplyFailure) error {
	event := failure.Event
	dl := &types.DeadLetter{
		ID:        uuid.New().String(),
		Event:     event,
		Attempts:  failure.Attempts,
		LastError: failure.Err.Error(),
		FailedAt:  time.Now().UTC(),
	}
	logger := log.WithEntityID(c.logger, event.EntityID)

	for attempt := 0; ; attempt++ {
		err := c.parkDeadLetter(ctx, dl)
		if err == nil {
			break
		}
		logger.Error().Err(err).Msg("Failed to record dead letter")
		if err := c.sleep(ctx, c.backoff.NextDelay(attempt)); err != nil {
			return err
		}
	}

	metrics.DeadLettersTotal.Inc()
	metrics.EventsAppliedTotal.WithLabelValues(string(event.EntityType), "dead_lettered").Inc()

	logger.Error().Err(failure).
		Str("dead_letter_id", dl.ID).
		Msg("Event dead-lettered")

	if c.alerts != nil {
		c.alerts.Publish(&events.Event{
			Type:     events.EventDeadLetter,
			EntityID: event.EntityID,
			Message:  failure.Error(),
			Metadata: map[string]string{
				"dead_letter_id": dl.ID,
				"entity_type":    string(event.EntityType),
				"version":        fmt.Sprintf("%d", event.Version),
			},
		})
	}
	return nil
}

func (c *Consumer) parkDeadLetter(ctx context.Context, dl *types.DeadLetter) error {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	if err := c.deadLetters.PutDeadLetter(opCtx, dl); err != nil {
		return err
	}

	_, err := c.updateLedger(ctx, dl.Event.EntityType, dl.Event.EntityID, func(rec *types.SyncRecord) (bool, error) {
		if rec.RepairRequested {
			return false, nil
		}
		rec.RepairRequested = true
		return true, nil
	})
	return err
}

// Replay reapplies a dead-lettered event and removes it once it succeeds
func (c *Consumer) Replay(ctx context.Context, id string) (types.ApplyResult, error) {
	dl, err := c.deadLetters.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}

	result, err := c.Apply(ctx, &dl.Event)
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", id, err)
	}
	if err := c.deadLetters.DeleteDeadLetter(ctx, id); err != nil {
		return "", err
	}

	c.logger.Info().
		Str("dead_letter_id", id).
		Str("entity_id", dl.Event.EntityID).
		Str("result", string(result)).
		Msg("Dead letter replayed")
	if c.alerts != nil {
		c.alerts.Publish(&events.Event{
			Type:     events.EventDeadLetterReplayed,
			EntityID: dl.Event.EntityID,
			Message:  fmt.Sprintf("dead letter %s replayed: %s", id, result),
		})
	}
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
