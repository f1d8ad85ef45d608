package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/concern"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Reasons recorded in foreman_monitor_aborted_tasks_total
const (
	ReasonWorkerDead = "worker_dead"
	ReasonNoWorker   = "no_worker"
	ReasonRecovery   = "recovery"
)

// Config tunes the supervision loop
type Config struct {
	// Interval is the healthcheck period, 60s by default
	Interval time.Duration
	// HeartbeatInterval is the pool worker heartbeat period; a worker whose
	// last heartbeat is older than twice this value is dead
	HeartbeatInterval time.Duration
}

// Monitor aborts dispatched tasks whose worker is gone
type Monitor struct {
	store    storage.Store
	probes   map[types.WorkerEnvironment]Probe
	notifier events.Notifier
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a monitor. p may be nil when no pool is configured, in
// which case remote tasks are left alone.
func NewMonitor(store storage.Store, p pool.Pool, notifier events.Notifier, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	probes := map[types.WorkerEnvironment]Probe{types.EnvironmentLocal: LocalProbe{}}
	if p != nil {
		probes[types.EnvironmentRemote] = &PoolProbe{Pool: p, MaxAge: 2 * cfg.HeartbeatInterval}
	}
	return &Monitor{
		store:    store,
		probes:   probes,
		notifier: notifier,
		interval: cfg.Interval,
		now:      time.Now,
		logger:   log.WithComponent("monitor"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the supervision loop
func (m *Monitor) Start() {
	metrics.RegisterComponent(metrics.ComponentMonitor, true, "")
	go m.run()
}

// Stop stops the monitor and waits for the current pass to end
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.check(context.Background()); err != nil {
				m.logger.Error().Err(err).Msg("Healthcheck failed")
				metrics.UpdateComponent(metrics.ComponentMonitor, false, err.Error())
				continue
			}
			metrics.UpdateComponent(metrics.ComponentMonitor, true, "")
		case <-m.stopCh:
			return
		}
	}
}

// check performs one healthcheck pass over the dispatched tasks
func (m *Monitor) check(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, err := m.store.RetrieveUnfinishedTasks()
	if err != nil {
		return fmt.Errorf("failed to list unfinished tasks: %w", err)
	}

	for _, task := range tasks {
		if task.Status == types.StatusCreated || task.Status == types.StatusLocked {
			continue
		}
		logger := log.WithTaskID(task.ID)

		if task.Worker.IsZero() {
			age := m.now().Sub(task.CreatedAt)
			if age <= 2*m.interval {
				continue
			}
			logger.Warn().Dur("age", age).Msg("Dispatched task has no worker")
			m.abort(ctx, task, ReasonNoWorker)
			continue
		}

		probe, ok := m.probes[task.Worker.Environment]
		if !ok {
			continue
		}
		alive, err := probe.Alive(ctx, task)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to probe worker")
			continue
		}
		if alive {
			continue
		}
		logger.Warn().
			Str("environment", string(task.Worker.Environment)).
			Str("worker_id", task.Worker.WorkerID).
			Msg("Worker is dead, aborting task")
		m.abort(ctx, task, ReasonWorkerDead)
	}
	return nil
}

func (m *Monitor) abort(ctx context.Context, task *types.Task, reason string) {
	aborted, err := abortTask(ctx, m.store, task.ID)
	if err != nil {
		logger := log.WithTaskID(task.ID)
		logger.Error().Err(err).Msg("Failed to abort task")
		return
	}
	if aborted == nil {
		return
	}
	metrics.MonitorAborted.WithLabelValues(reason).Inc()
	metrics.TasksFinished.WithLabelValues(string(types.StatusAborted)).Inc()
	m.notifier.Notify(ctx, events.TaskStatus(aborted))
}

// abortTask moves a task and its unfinished jobs to aborted and removes its
// concerns. It returns nil when the task finished in the meantime.
func abortTask(ctx context.Context, store storage.Store, taskID uint64) (*types.Task, error) {
	var aborted *types.Task
	err := store.Update(ctx, func(tx storage.Tx) error {
		aborted = nil
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}
		jobs, err := tx.RetrieveUnfinishedTaskJobs(taskID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if _, err := tx.UpdateJob(job.ID, storage.JobStatusPatch(types.StatusAborted)); err != nil {
				return err
			}
		}
		if err := concern.ReleaseTask(tx, taskID); err != nil {
			return err
		}
		aborted, err = tx.UpdateTask(taskID, storage.StatusPatch(types.StatusAborted))
		return err
	})
	if err != nil {
		return nil, err
	}
	return aborted, nil
}
