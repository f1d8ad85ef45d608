package monitor

import (
	"context"
	"fmt"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Recovery reconciles the repository once when the scheduler starts
type Recovery struct {
	store    storage.Store
	pool     pool.Pool
	notifier events.Notifier
}

// NewRecovery creates a recovery pass. p may be nil.
func NewRecovery(store storage.Store, p pool.Pool, notifier events.Notifier) *Recovery {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Recovery{store: store, pool: p, notifier: notifier}
}

// Run aborts every dispatched task that cannot have survived the restart:
// local runners always die with their scheduler, remote tasks survive only
// while their entry is in the pool's active set. Created tasks are left for
// the scheduler. It returns the ids of the aborted tasks.
func (r *Recovery) Run(ctx context.Context) ([]uint64, error) {
	logger := log.WithComponent("recovery")

	tasks, err := r.store.RetrieveUnfinishedTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished tasks: %w", err)
	}

	var active map[string]bool
	if r.pool != nil {
		entries, err := r.pool.Active(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active pool entries: %w", err)
		}
		active = make(map[string]bool, len(entries))
		for _, e := range entries {
			active[e.ID] = true
		}
	}

	var aborted []uint64
	for _, task := range tasks {
		if task.Status == types.StatusCreated || task.Status == types.StatusLocked {
			continue
		}
		if task.Worker.Environment == types.EnvironmentRemote && active[task.Worker.WorkerID] {
			continue
		}
		if task.Worker.Environment == types.EnvironmentRemote && r.pool == nil {
			logger.Warn().Uint64("task_id", task.ID).Msg("Remote task found but no pool is configured")
			continue
		}

		done, err := abortTask(ctx, r.store, task.ID)
		if err != nil {
			return aborted, fmt.Errorf("failed to abort task %d: %w", task.ID, err)
		}
		if done == nil {
			continue
		}
		logger.Info().
			Uint64("task_id", task.ID).
			Str("environment", string(task.Worker.Environment)).
			Msg("Aborted task left over from a previous run")
		metrics.MonitorAborted.WithLabelValues(ReasonRecovery).Inc()
		r.notifier.Notify(ctx, events.TaskStatus(done))
		aborted = append(aborted, task.ID)
	}
	return aborted, nil
}
