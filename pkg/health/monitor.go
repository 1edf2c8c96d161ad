package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/convsync/pkg/events"
	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/metrics"
	"github.com/rs/zerolog"
)

type probe struct {
	component string
	checker   Checker
	status    *Status
}

// Monitor runs registered probes on an interval and reports each
// component's health to the metrics health registry
type Monitor struct {
	cfg    Config
	alerts events.Publisher
	logger zerolog.Logger

	mu     sync.Mutex
	probes []*probe
}

// NewMonitor creates a monitor
func NewMonitor(cfg Config, alerts events.Publisher) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &Monitor{
		cfg:    cfg,
		alerts: alerts,
		logger: log.WithComponent("health"),
	}
}

// Register adds a probe for component. Several probes may report the same
// component; it is healthy only while all of them are.
func (m *Monitor) Register(component string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, &probe{component: component, checker: checker, status: NewStatus()})
}

// Run probes immediately and then on every interval until ctx ends
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.CheckAll(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// CheckAll runs every probe once and publishes the results
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	healthy := make(map[string]bool)
	messages := make(map[string]string)
	var order []string

	for _, p := range m.probes {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		res := p.checker.Check(checkCtx)
		cancel()

		wasHealthy := p.status.Healthy
		p.status.Update(res, m.cfg)

		if wasHealthy && !p.status.Healthy {
			m.logger.Warn().
				Str("component", p.component).
				Str("check", string(p.checker.Type())).
				Int("failures", p.status.ConsecutiveFailures).
				Msg(res.Message)
			if m.alerts != nil {
				m.alerts.Publish(&events.Event{
					Type:     events.EventStoreHealthDegraded,
					Message:  res.Message,
					Metadata: map[string]string{"component": p.component, "check": string(p.checker.Type())},
				})
			}
		} else if !wasHealthy && p.status.Healthy {
			m.logger.Info().Str("component", p.component).Msg("Component recovered")
		}

		if _, seen := healthy[p.component]; !seen {
			order = append(order, p.component)
			healthy[p.component] = true
		}
		if !p.status.Healthy {
			healthy[p.component] = false
			messages[p.component] = res.Message
		}
	}

	for _, component := range order {
		metrics.UpdateComponent(component, healthy[component], messages[component])
	}
}

// Status returns a copy of the probe status for component, if registered
func (m *Monitor) Status(component string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.probes {
		if p.component == component {
			return *p.status, true
		}
	}
	return Status{}, false
}
