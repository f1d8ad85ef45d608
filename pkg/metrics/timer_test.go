package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.WithinDuration(t, time.Now(), timer.start, time.Second)

	time.Sleep(50 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserve(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_pass_seconds",
		Help: "Test histogram",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_job_seconds",
		Help: "Test histogram vec",
	}, []string{"script_type"})

	timer := NewTimer()
	timer.ObserveDuration(histogram)
	timer.ObserveDurationVec(vec, "ansible")
	timer.ObserveDurationVec(vec, "internal")

	assert.Equal(t, 1, testutil.CollectAndCount(histogram))
	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}

func TestDomainMetricsRegistered(t *testing.T) {
	LaunchFailures.Inc()
	TasksDispatched.WithLabelValues("local").Inc()
	MonitorAborted.WithLabelValues("worker_dead").Inc()

	names := []string{
		"foreman_launch_failures_total",
		"foreman_tasks_dispatched_total",
		"foreman_monitor_aborted_tasks_total",
	}
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, names...)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
