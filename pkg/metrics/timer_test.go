package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationIsMonotonic(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	first := timer.Duration()
	require.GreaterOrEqual(t, first, 10*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	require.Greater(t, timer.Duration(), first)
}

func TestTimerObservesPlainAndCurriedHistograms(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_flush_duration_seconds",
		Help: "test",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_append_duration_seconds",
		Help: "test",
	}, []string{"peer"})

	timer := NewTimer()
	timer.ObserveDuration(hist)
	timer.ObserveDuration(vec.WithLabelValues("peer-a"))
	timer.ObserveDurationVec(vec, "peer-b")

	// Both labeled series must exist after the curried/vec observations.
	ch := make(chan prometheus.Metric, 4)
	vec.Collect(ch)
	require.Len(t, ch, 2)
}
