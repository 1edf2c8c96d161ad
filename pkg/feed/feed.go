package feed

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/convsync/pkg/consumer"
	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/metrics"
	"github.com/cuemby/convsync/pkg/storage"
	"github.com/cuemby/convsync/pkg/types"
	"github.com/rs/zerolog"
)

// CursorName is the cursor key the poller persists its position under
const CursorName = "change_log"

// ChangeLog is the part of the write store the poller reads from
type ChangeLog interface {
	Changes(ctx context.Context, afterSeq uint64, limit int) ([]types.ChangeEvent, error)
	ChangesAt(ctx context.Context, seqs []uint64) ([]types.ChangeEvent, error)
	PurgeChanges(ctx context.Context, uptoSeq uint64, olderThan time.Time) (int64, error)
}

// Config controls polling
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Partitions   int           `yaml:"partitions"`
	// GapTimeout is how long a hole in the sequence is waited on before it
	// is treated as a rolled back transaction
	GapTimeout time.Duration `yaml:"gap_timeout"`
	// GapRecheck is how long sequences skipped past a gap keep being looked
	// up in case their transaction commits late
	GapRecheck time.Duration `yaml:"gap_recheck"`
	// MaxTrackedGaps caps the skipped sequences rechecked at once
	MaxTrackedGaps int `yaml:"max_tracked_gaps"`
	// Retention of acknowledged change-log rows; zero keeps them forever
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the feed defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 200 * time.Millisecond,
		BatchSize:    256,
		Partitions:   8,
		GapTimeout:     5 * time.Second,
		GapRecheck:     10 * time.Minute,
		MaxTrackedGaps: 4096,
	}
}

// Poller tails the write store's change log and hands events to partition
// workers. The cursor only advances past a batch once every event in it has
// been acknowledged, so delivery is at-least-once.
type Poller struct {
	source     ChangeLog
	cursors    storage.CursorStore
	cfg        Config
	partitions []chan consumer.Delivery
	cursor     uint64
	// skipped holds sequences the cursor moved past, keyed by when they were skipped
	skipped map[uint64]time.Time
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPoller creates a poller. Call Partitions to hand the worker channels to
// the consumer before calling Run.
func NewPoller(source ChangeLog, cursors storage.CursorStore, cfg Config) *Poller {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = def.Partitions
	}
	if cfg.GapRecheck <= 0 {
		cfg.GapRecheck = def.GapRecheck
	}
	if cfg.MaxTrackedGaps <= 0 {
		cfg.MaxTrackedGaps = def.MaxTrackedGaps
	}

	partitions := make([]chan consumer.Delivery, cfg.Partitions)
	for i := range partitions {
		partitions[i] = make(chan consumer.Delivery)
	}
	return &Poller{
		source:     source,
		cursors:    cursors,
		cfg:        cfg,
		partitions: partitions,
		skipped:    make(map[uint64]time.Time),
		logger:     log.WithComponent("feed"),
		now:        time.Now,
	}
}

// Partitions returns the receive side of every partition channel
func (p *Poller) Partitions() []<-chan consumer.Delivery {
	out := make([]<-chan consumer.Delivery, len(p.partitions))
	for i, ch := range p.partitions {
		out[i] = ch
	}
	return out
}

// Partition maps an entity to one of n partitions
func Partition(entityID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(entityID) % uint64(n))
}

// Cursor returns the last acknowledged sequence
func (p *Poller) Cursor() uint64 {
	return p.cursor
}

// Run polls until ctx ends, then closes the partition channels
func (p *Poller) Run(ctx context.Context) error {
	defer func() {
		for _, ch := range p.partitions {
			close(ch)
		}
	}()

	if err := p.loadCursor(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentFeed, false, err.Error())
		return err
	}
	p.logger.Info().
		Uint64("cursor", p.cursor).
		Int("partitions", len(p.partitions)).
		Msg("Change feed started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain the backlog before waiting for the next tick
		for {
			n, err := p.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				metrics.UpdateComponent(metrics.ComponentFeed, false, err.Error())
				p.logger.Error().Err(err).Uint64("cursor", p.cursor).Msg("Change feed poll failed")
				break
			}
			metrics.UpdateComponent(metrics.ComponentFeed, true, "")
			if n < p.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.logger.Info().Uint64("cursor", p.cursor).Msg("Change feed stopped")
			return nil
		}
	}
}

func (p *Poller) loadCursor(ctx context.Context) error {
	cursor, err := p.cursors.LoadCursor(ctx, CursorName)
	if err != nil {
		return fmt.Errorf("failed to load feed cursor: %w", err)
	}
	p.cursor = cursor
	metrics.FeedCursor.Set(float64(cursor))
	return nil
}

// Poll fetches one batch after the cursor, waits until every event in it is
// acknowledged and then persists the new cursor. It returns the number of
// events fetched.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if err := p.recheck(ctx); err != nil {
		return 0, err
	}

	batch, err := p.source.Changes(ctx, p.cursor, p.cfg.BatchSize)
	if err != nil {
		return 0, types.Transient("feed.changes", err)
	}
	metrics.FeedBatchSize.Observe(float64(len(batch)))

	ready := p.contiguous(batch)
	if len(ready) == 0 {
		return 0, nil
	}

	if err := p.dispatch(ctx, ready); err != nil {
		return 0, err
	}
	p.trackGaps(ready)

	last := ready[len(ready)-1].Sequence
	if err := p.cursors.StoreCursor(ctx, CursorName, last); err != nil {
		return 0, fmt.Errorf("failed to store feed cursor: %w", err)
	}
	p.cursor = last
	metrics.FeedCursor.Set(float64(last))

	if p.cfg.Retention > 0 {
		p.purge(ctx)
	}

	// a batch cut short at a gap must not look like a drained backlog
	if len(ready) < len(batch) {
		return 0, nil
	}
	return len(batch), nil
}

// contiguous returns the prefix of batch that can be delivered now. A hole in
// the sequence may belong to a transaction that has not committed yet, so
// delivery stops there until the event after the hole is older than
// GapTimeout. Holes passed that way are rechecked by recheck.
func (p *Poller) contiguous(batch []types.ChangeEvent) []types.ChangeEvent {
	next := p.cursor + 1
	now := p.now()
	for i, ev := range batch {
		if ev.Sequence != next && now.Sub(ev.CommittedAt) < p.cfg.GapTimeout {
			p.logger.Debug().
				Uint64("expected", next).
				Uint64("sequence", ev.Sequence).
				Msg("Waiting on change-log gap")
			return batch[:i]
		}
		next = ev.Sequence + 1
	}
	return batch
}

// trackGaps remembers every sequence missing from a delivered batch
func (p *Poller) trackGaps(batch []types.ChangeEvent) {
	now := p.now()
	next := p.cursor + 1
	for _, ev := range batch {
		for seq := next; seq < ev.Sequence; seq++ {
			if len(p.skipped) >= p.cfg.MaxTrackedGaps {
				metrics.FeedGapsAbandonedTotal.Inc()
				continue
			}
			p.skipped[seq] = now
		}
		if ev.Sequence >= next {
			next = ev.Sequence + 1
		}
	}
	if n := len(p.skipped); n > 0 {
		p.logger.Debug().Int("pending", n).Uint64("cursor", next-1).Msg("Skipped change-log gap")
	}
	metrics.FeedGapsPending.Set(float64(len(p.skipped)))
}

// recheck looks up skipped sequences again and delivers the ones whose
// transaction has committed since. Sequences not seen within GapRecheck are
// taken as rolled back.
func (p *Poller) recheck(ctx context.Context) error {
	if len(p.skipped) == 0 {
		return nil
	}

	now := p.now()
	seqs := make([]uint64, 0, len(p.skipped))
	for seq, at := range p.skipped {
		if now.Sub(at) >= p.cfg.GapRecheck {
			delete(p.skipped, seq)
			metrics.FeedGapsAbandonedTotal.Inc()
			p.logger.Warn().Uint64("sequence", seq).Msg("Abandoned change-log gap")
			continue
		}
		seqs = append(seqs, seq)
	}
	defer func() { metrics.FeedGapsPending.Set(float64(len(p.skipped))) }()
	if len(seqs) == 0 {
		return nil
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	late, err := p.source.ChangesAt(ctx, seqs)
	if err != nil {
		return types.Transient("feed.changes_at", err)
	}
	if len(late) == 0 {
		return nil
	}

	if err := p.dispatch(ctx, late); err != nil {
		return err
	}
	for _, ev := range late {
		delete(p.skipped, ev.Sequence)
	}
	p.logger.Info().Int("events", len(late)).Msg("Delivered late change-log commits")
	return nil
}

func (p *Poller) dispatch(ctx context.Context, batch []types.ChangeEvent) error {
	acks := make(chan error, len(batch))
	sent := 0
	for i := range batch {
		ev := batch[i]
		d := consumer.Delivery{
			Event: &ev,
			Done:  func(err error) { acks <- err },
		}
		select {
		case p.partitions[Partition(ev.EntityID, len(p.partitions))] <- d:
			sent++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var firstErr error
	for i := 0; i < sent; i++ {
		select {
		case err := <-acks:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if firstErr != nil {
		return fmt.Errorf("batch ending at %d not acknowledged: %w", batch[len(batch)-1].Sequence, firstErr)
	}
	return nil
}

func (p *Poller) purge(ctx context.Context) {
	upto := p.cursor
	for seq := range p.skipped {
		if seq <= upto {
			upto = seq - 1
		}
	}
	if upto == 0 {
		return
	}
	n, err := p.source.PurgeChanges(ctx, upto, p.now().Add(-p.cfg.Retention))
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to purge acknowledged changes")
		return
	}
	if n > 0 {
		p.logger.Debug().Int64("purged", n).Uint64("upto", upto).Msg("Purged acknowledged changes")
	}
}
