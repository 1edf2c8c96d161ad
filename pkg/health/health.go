package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypePing CheckType = "ping"
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for all health checks
type Config struct {
	// Interval is the time between probe rounds
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single probe
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the number of consecutive failures before a store is reported unhealthy
	Retries int `yaml:"retries"`

	// StartPeriod ignores failures right after startup while stores warm up
	StartPeriod time.Duration `yaml:"start_period"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Timeout:     2 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks the current health status of one probed dependency
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy is false only after Retries consecutive failures
	Healthy bool

	StartedAt time.Time
}

// NewStatus creates a new Status with default values
func NewStatus() *Status {
	return &Status{
		Healthy:   true, // Assume healthy until proven otherwise
		StartedAt: time.Now(),
	}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	if s.InStartPeriod(config) {
		return
	}
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// InStartPeriod returns true if we're still in the startup grace period
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}

func result(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
