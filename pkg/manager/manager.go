package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/cuemby/convsync/pkg/api"
	"github.com/cuemby/convsync/pkg/config"
	"github.com/cuemby/convsync/pkg/consumer"
	"github.com/cuemby/convsync/pkg/dualwrite"
	"github.com/cuemby/convsync/pkg/events"
	"github.com/cuemby/convsync/pkg/feed"
	"github.com/cuemby/convsync/pkg/health"
	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/metrics"
	"github.com/cuemby/convsync/pkg/readstore"
	"github.com/cuemby/convsync/pkg/reconciler"
	"github.com/cuemby/convsync/pkg/storage"
	"github.com/cuemby/convsync/pkg/writestore"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// migrator is implemented by stores that need schema setup
type migrator interface {
	Migrate(ctx context.Context) error
}

// Manager owns the stores and runs the sync core: the change feed and its
// partition workers, the reconciler, store probes and the HTTP API
type Manager struct {
	cfg *config.Config

	ledger *storage.BoltStore
	writes writestore.Store
	reads  readstore.Store
	broker *events.Broker

	coordinator *dualwrite.Coordinator
	consumer    *consumer.Consumer
	poller      *feed.Poller
	reconciler  *reconciler.Reconciler
	monitor     *health.Monitor
	collector   *metrics.Collector
	api         *api.Server

	logger zerolog.Logger
}

// NewManager opens every store named in cfg and wires the components.
// Nothing runs until Run is called.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Ledger.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("manager"),
	}

	ledger, err := storage.NewBoltStore(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	m.ledger = ledger

	writes, err := writestore.Open(ctx, cfg.WriteStore)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to open write store: %w", err)
	}
	m.writes = writes

	reads, err := openReadStore(ctx, cfg.ReadStore)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to open read store: %w", err)
	}
	m.reads = reads

	m.broker = events.NewBroker()
	m.broker.Start()
	events.LogSubscriber(m.broker)

	m.coordinator = dualwrite.NewCoordinator(m.writes, m.ledger, m.reads, m.broker, cfg.DualWrite)
	m.consumer = consumer.NewConsumer(m.ledger, m.ledger, m.reads, m.broker, cfg.Consumer)
	m.poller = feed.NewPoller(m.writes, m.ledger, cfg.Feed)
	m.reconciler = reconciler.NewReconciler(m.writes, m.ledger, m.reads, m.broker, cfg.Reconciler)
	m.monitor = health.NewMonitor(cfg.Health, m.broker)
	m.collector = metrics.NewCollector(m.ledger, cfg.MetricsInterval)
	m.api = api.NewServer(api.Deps{
		Commands:    m.coordinator,
		Ledger:      m.ledger,
		DeadLetters: m.ledger,
		Reads:       m.reads,
		Reconciler:  m.reconciler,
		Replayer:    m.consumer,

		RateLimit:     cfg.API.RateLimit,
		AccessControl: cfg.API.AccessControl,
	})

	m.registerProbes()
	return m, nil
}

func openReadStore(ctx context.Context, cfg config.ReadStoreConfig) (readstore.Store, error) {
	switch cfg.Driver {
	case config.ReadStoreSurreal:
		return readstore.NewSurrealStore(ctx, cfg.Surreal())
	case config.ReadStoreBolt:
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create read store directory: %w", err)
		}
		return readstore.NewBoltStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown read store driver %q", cfg.Driver)
	}
}

// registerProbes pings every store, and additionally probes the PostgreSQL
// port and the SurrealDB health endpoint when those backends are in use
func (m *Manager) registerProbes() {
	m.monitor.Register(metrics.ComponentLedger, health.NewPingChecker("ledger", m.ledger))
	m.monitor.Register(metrics.ComponentWriteStore, health.NewPingChecker("write store", m.writes))
	m.monitor.Register(metrics.ComponentReadStore, health.NewPingChecker("read store", m.reads))

	if m.cfg.WriteStore.Driver == "postgres" {
		if addr, ok := health.PostgresAddress(m.cfg.WriteStore.DSN); ok {
			m.monitor.Register(metrics.ComponentWriteStore, health.NewTCPChecker(addr))
		}
	}
	if m.cfg.ReadStore.Driver == config.ReadStoreSurreal {
		healthURL, err := health.SurrealHealthURL(m.cfg.ReadStore.URL)
		if err != nil {
			m.logger.Warn().Err(err).Msg("SurrealDB health endpoint not probed")
		} else {
			m.monitor.Register(metrics.ComponentReadStore, health.NewHTTPChecker(healthURL))
		}
	}
}

// Migrate creates the write-store tables and the read-store indexes
func (m *Manager) Migrate(ctx context.Context) error {
	if err := m.writes.Migrate(ctx); err != nil {
		return err
	}
	if mig, ok := m.reads.(migrator); ok {
		if err := mig.Migrate(ctx); err != nil {
			return err
		}
	}
	m.logger.Info().
		Str("write_store", m.cfg.WriteStore.Driver).
		Str("read_store", m.cfg.ReadStore.Driver).
		Msg("Schema migrated")
	return nil
}

// Run starts every component and blocks until ctx ends or one of them fails
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Migrate(ctx); err != nil {
		return err
	}

	metrics.SetCriticalComponents(metrics.ComponentLedger, metrics.ComponentWriteStore, metrics.ComponentReadStore)

	m.collector.Start()
	defer m.collector.Stop()
	m.reconciler.Start()
	defer m.reconciler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.poller.Run(gctx) })
	g.Go(func() error { return m.consumer.Run(gctx, m.poller.Partitions()) })
	g.Go(func() error { return m.monitor.Run(gctx) })
	g.Go(func() error { return m.api.Serve(gctx, m.cfg.API.Addr) })

	m.logger.Info().
		Str("api", m.cfg.API.Addr).
		Int("partitions", m.cfg.Feed.Partitions).
		Int("shard_index", m.cfg.Reconciler.ShardIndex).
		Int("shard_count", m.cfg.Reconciler.ShardCount).
		Msg("Sync core started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	m.logger.Info().Uint64("cursor", m.poller.Cursor()).Msg("Sync core stopped")
	return err
}

// Close releases every store. It is safe on a partially built Manager.
func (m *Manager) Close() error {
	if m.broker != nil {
		m.broker.Stop()
	}

	var errs []error
	if m.reads != nil {
		errs = append(errs, m.reads.Close())
	}
	if m.writes != nil {
		errs = append(errs, m.writes.Close())
	}
	if m.ledger != nil {
		errs = append(errs, m.ledger.Close())
	}
	return errors.Join(errs...)
}

// Handler returns the API handler, for tests and embedding
func (m *Manager) Handler() http.Handler {
	return m.api.Handler()
}
