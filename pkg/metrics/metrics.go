package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Repository gauges, refreshed by the Collector
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_tasks_total",
			Help: "Number of tasks by status",
		},
		[]string{"status"},
	)

	ConcernsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_task_concerns_total",
			Help: "Number of concerns held by unfinished tasks by type",
		},
		[]string{"type"},
	)

	// Job outcomes, counted by the runner
	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_jobs_finished_total",
			Help: "Jobs that reached a terminal status by script type and status",
		},
		[]string{"script_type", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_job_duration_seconds",
			Help:    "Wall time of a job from executor start to exit",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"script_type"},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_tasks_finished_total",
			Help: "Tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	// Scheduler metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_dispatch_latency_seconds",
			Help:    "Time between task creation and dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_tasks_dispatched_total",
			Help: "Tasks handed to a runner by environment",
		},
		[]string{"environment"},
	)

	LaunchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_launch_failures_total",
			Help: "Tasks marked broken because their runner could not be launched",
		},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_scheduler_tick_seconds",
			Help:    "Duration of one scheduler pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Monitor metrics
	MonitorAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_monitor_aborted_tasks_total",
			Help: "Tasks aborted because their worker was found dead, by reason",
		},
		[]string{"reason"},
	)

	// Pool metrics
	PoolHeartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_pool_heartbeats_total",
			Help: "Heartbeats sent by pool workers",
		},
		[]string{"worker"},
	)

	PoolSlotsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_pool_slots_busy",
			Help: "Runner slots currently busy in this worker",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(ConcernsTotal)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(LaunchFailures)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(MonitorAborted)
	prometheus.MustRegister(PoolHeartbeats)
	prometheus.MustRegister(PoolSlotsBusy)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since NewTimer
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on o
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds on the labeled child of vec
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// NewMux serves /metrics together with the health endpoints
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
