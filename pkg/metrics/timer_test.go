package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	assert.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
	assert.Less(t, time.Since(timer.start), time.Second)
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleep := 20 * time.Millisecond
	time.Sleep(sleep)

	assert.GreaterOrEqual(t, timer.Duration(), sleep)
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_apply_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	timer.ObserveDuration(histogram)

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
}

func TestTimerObserveDurationVec(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_duration_vec_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(histogramVec, "reconcile")
	timer.ObserveDurationVec(histogramVec, "apply")

	assert.Equal(t, 2, testutil.CollectAndCount(histogramVec))
}

func TestMultipleTimers(t *testing.T) {
	timer1 := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer2 := NewTimer()
	time.Sleep(10 * time.Millisecond)

	assert.Greater(t, timer1.Duration(), timer2.Duration())
}
