package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is implemented by every store convsync talks to
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes a store through its own Ping method
type PingChecker struct {
	Name   string
	Target Pinger
}

// NewPingChecker creates a checker for a store
func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{Name: name, Target: target}
}

// Check pings the store
func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := p.Target.Ping(ctx); err != nil {
		return result(start, false, fmt.Sprintf("%s ping failed: %v", p.Name, err))
	}
	return result(start, true, fmt.Sprintf("%s reachable", p.Name))
}

// Type returns the health check type
func (p *PingChecker) Type() CheckType {
	return CheckTypePing
}
