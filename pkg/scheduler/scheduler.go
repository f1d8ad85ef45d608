package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/foreman/pkg/concern"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Config tunes the dispatch loop
type Config struct {
	TickInterval time.Duration
	// MaxRunning caps in-flight tasks; 0 means unlimited
	MaxRunning int
	// LaunchRate caps launches per second; 0 means unlimited
	LaunchRate  float64
	LaunchBurst int
}

// Scheduler hands created tasks to a launcher in id order
type Scheduler struct {
	store    storage.Store
	launcher Launcher
	notifier events.Notifier
	cfg      Config
	logger   zerolog.Logger
	limiter  *rate.Limiter

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler creates a scheduler. notifier may be nil.
func NewScheduler(store storage.Store, launcher Launcher, notifier events.Notifier, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	var limiter *rate.Limiter
	if cfg.LaunchRate > 0 {
		if cfg.LaunchBurst <= 0 {
			cfg.LaunchBurst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), cfg.LaunchBurst)
	}
	return &Scheduler{
		store:    store,
		launcher: launcher,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler"),
		limiter:  limiter,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	metrics.RegisterComponent(metrics.ComponentScheduler, true, "")
	go s.run()
}

// Stop stops the scheduler and waits for the current pass to end
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.schedule(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("Scheduling pass failed")
				metrics.UpdateComponent(metrics.ComponentScheduler, false, err.Error())
				continue
			}
			metrics.UpdateComponent(metrics.ComponentScheduler, true, "")
		case <-s.stopCh:
			return
		}
	}
}

// schedule performs one dispatch pass
func (s *Scheduler) schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	unfinished, err := s.store.RetrieveUnfinishedTasks()
	if err != nil {
		return fmt.Errorf("failed to list unfinished tasks: %w", err)
	}
	byID := make(map[uint64]*types.Task, len(unfinished))
	inFlight := 0
	for _, task := range unfinished {
		byID[task.ID] = task
		if task.Status.IsDispatched() {
			inFlight++
		}
	}

	for _, task := range unfinished {
		if task.Status != types.StatusCreated {
			continue
		}
		if s.cfg.MaxRunning > 0 && inFlight >= s.cfg.MaxRunning {
			s.logger.Debug().Int("in_flight", inFlight).Msg("Max running tasks reached")
			return nil
		}

		blocker, err := s.blockedBy(task, byID)
		if err != nil {
			return err
		}
		if blocker != 0 {
			s.logger.Debug().Uint64("task_id", task.ID).Uint64("blocked_by", blocker).Msg("Task target is locked")
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Debug().Msg("Launch rate reached")
			return nil
		}

		if err := s.dispatch(ctx, task); err != nil {
			s.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("Failed to dispatch task")
			continue
		}
		inFlight++
	}
	return nil
}

// blockedBy returns the id of a task whose blocking lock covers the target
// of task and that goes first: it is already dispatched or older.
func (s *Scheduler) blockedBy(task *types.Task, unfinished map[uint64]*types.Task) (uint64, error) {
	locks, err := concern.BlockingLocks(s.store, task.Target)
	if err != nil {
		return 0, fmt.Errorf("failed to read locks of %s: %w", task.Target, err)
	}
	for _, lock := range locks {
		if lock.TaskID == 0 || lock.TaskID == task.ID {
			continue
		}
		other, ok := unfinished[lock.TaskID]
		if !ok {
			continue
		}
		if other.Status.IsDispatched() || other.ID < task.ID {
			return other.ID, nil
		}
	}
	return 0, nil
}

func (s *Scheduler) dispatch(ctx context.Context, task *types.Task) error {
	logger := log.WithTaskID(task.ID)
	status := s.launcher.Status()

	updated, err := s.store.UpdateTask(task.ID, storage.StatusPatch(status))
	if err != nil {
		return err
	}
	*task = *updated

	desc, err := s.launcher.Launch(ctx, task)
	if err != nil {
		metrics.LaunchFailures.Inc()
		logger.Error().Err(err).Msg("Failed to launch runner, marking task broken")
		if berr := s.markBroken(ctx, task); berr != nil {
			logger.Error().Err(berr).Msg("Failed to mark task broken")
		}
		return err
	}

	if updated, err = s.store.UpdateTask(task.ID, storage.TaskPatch{Worker: &desc}); err != nil {
		return fmt.Errorf("failed to record worker of task %d: %w", task.ID, err)
	}
	*task = *updated

	metrics.DispatchLatency.Observe(time.Since(task.CreatedAt).Seconds())
	metrics.TasksDispatched.WithLabelValues(string(desc.Environment)).Inc()
	logger.Info().
		Str("status", string(task.Status)).
		Str("environment", string(desc.Environment)).
		Str("worker_id", desc.WorkerID).
		Msg("Task dispatched")
	s.notifier.Notify(ctx, events.TaskStatus(task))
	return nil
}

func (s *Scheduler) markBroken(ctx context.Context, task *types.Task) error {
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		return finishTask(tx, task, types.StatusBroken)
	})
	if err != nil {
		return err
	}
	metrics.TasksFinished.WithLabelValues(string(task.Status)).Inc()
	s.notifier.Notify(ctx, events.TaskStatus(task))
	return nil
}

// finishTask moves task and its unfinished jobs to status and removes the
// task concerns
func finishTask(tx storage.Tx, task *types.Task, status types.Status) error {
	jobs, err := tx.RetrieveUnfinishedTaskJobs(task.ID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if _, err := tx.UpdateJob(job.ID, storage.JobStatusPatch(status)); err != nil {
			return err
		}
	}
	if err := concern.ReleaseTask(tx, task.ID); err != nil {
		return err
	}
	updated, err := tx.UpdateTask(task.ID, storage.StatusPatch(status))
	if err != nil {
		return err
	}
	*task = *updated
	return nil
}
