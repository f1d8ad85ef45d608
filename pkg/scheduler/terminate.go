package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// DefaultGrace is the time a local runner gets to stop after SIGTERM
const DefaultGrace = 10 * time.Second

// ErrTaskFinished is returned when asked to terminate a terminal task
var ErrTaskFinished = errors.New("task already finished")

// Terminator cancels tasks wherever they run
type Terminator struct {
	store    storage.Store
	pool     pool.Pool
	notifier events.Notifier
	grace    time.Duration
	poll     time.Duration
}

// NewTerminator creates a terminator. p may be nil when no pool is
// configured; grace <= 0 selects DefaultGrace.
func NewTerminator(store storage.Store, p pool.Pool, notifier events.Notifier, grace time.Duration) *Terminator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Terminator{store: store, pool: p, notifier: notifier, grace: grace, poll: 200 * time.Millisecond}
}

// Terminate cancels a task. A task that never left created is aborted right
// away. A local runner gets SIGTERM and, when it has not finished within the
// grace window, SIGKILL on its process group with the task marked broken.
// A remote task gets a cancel request posted to the pool.
func (t *Terminator) Terminate(ctx context.Context, taskID uint64) error {
	task, err := t.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: task %d is %s", ErrTaskFinished, taskID, task.Status)
	}
	logger := log.WithTaskID(taskID)

	if task.Status == types.StatusCreated || task.Status == types.StatusLocked {
		logger.Info().Msg("Aborting task before dispatch")
		return t.finish(ctx, task, types.StatusAborted)
	}

	switch task.Worker.Environment {
	case types.EnvironmentRemote:
		if t.pool == nil {
			return errors.New("remote task but no worker pool configured")
		}
		logger.Info().Str("entry_id", task.Worker.WorkerID).Msg("Requesting pool cancel")
		return t.pool.RequestCancel(ctx, task.Worker.WorkerID)
	case types.EnvironmentLocal:
		pid, err := strconv.Atoi(task.Worker.WorkerID)
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid runner pid %q for task %d", task.Worker.WorkerID, taskID)
		}
		return t.terminateLocal(ctx, task, pid)
	default:
		return fmt.Errorf("task %d has no worker yet", taskID)
	}
}

func (t *Terminator) terminateLocal(ctx context.Context, task *types.Task, pid int) error {
	logger := log.WithTaskID(task.ID).With().Int("pid", pid).Logger()

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			logger.Warn().Msg("Runner process is gone, marking task broken")
			return t.finish(ctx, task, types.StatusBroken)
		}
		return fmt.Errorf("failed to signal runner %d: %w", pid, err)
	}
	logger.Info().Dur("grace", t.grace).Msg("Sent SIGTERM to runner")

	deadline := time.NewTimer(t.grace)
	defer deadline.Stop()
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current, err := t.store.GetTask(task.ID)
			if err != nil {
				return err
			}
			if current.Status.IsTerminal() {
				logger.Info().Str("status", string(current.Status)).Msg("Runner stopped")
				return nil
			}
		case <-deadline.C:
			logger.Warn().Msg("Runner ignored SIGTERM, killing process group")
			if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				logger.Error().Err(err).Msg("Failed to kill runner process group")
			}
			current, err := t.store.GetTask(task.ID)
			if err != nil {
				return err
			}
			if current.Status.IsTerminal() {
				return nil
			}
			return t.finish(ctx, current, types.StatusBroken)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Terminator) finish(ctx context.Context, task *types.Task, status types.Status) error {
	err := t.store.Update(ctx, func(tx storage.Tx) error {
		return finishTask(tx, task, status)
	})
	if err != nil {
		return fmt.Errorf("failed to finish task %d: %w", task.ID, err)
	}
	metrics.TasksFinished.WithLabelValues(string(task.Status)).Inc()
	t.notifier.Notify(ctx, events.TaskStatus(task))
	return nil
}
