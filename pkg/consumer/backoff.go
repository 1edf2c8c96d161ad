package consumer

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

// NewBackoff returns a doubling backoff between initial and max with 30% jitter
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}
}

// NextDelay returns the delay before retry number attempt (0-based)
func (b *Backoff) NextDelay(attempt int) time.Duration {
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.JitterFactor > 0 {
		//nolint:gosec // jitter only
		delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(b.InitialDelay)
		}
	}
	return time.Duration(delay)
}
