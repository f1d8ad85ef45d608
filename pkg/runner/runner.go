package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/concern"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/executor"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// ErrNotRestartable is returned when restarting a task that did not end
// failed, aborted or broken
var ErrNotRestartable = errors.New("task is not restartable")

// Mode selects how Run enters the task
type Mode int

const (
	// Start runs a freshly dispatched task
	Start Mode = iota
	// Restart reopens a finished task and re-runs its non-success jobs
	Restart
)

func (m Mode) String() string {
	if m == Restart {
		return "restart"
	}
	return "start"
}

// Runner owns one task at a time. Terminate may be called from any
// goroutine, typically a signal handler or a pool cancel watcher.
type Runner struct {
	store    storage.Store
	factory  *executor.Factory
	notifier events.Notifier
	worker   types.WorkerDescriptor

	mu         sync.Mutex
	cancelled  bool
	current    executor.Executor
	terminable bool
}

// New creates a runner. notifier may be nil.
func New(store storage.Store, factory *executor.Factory, notifier events.Notifier) *Runner {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Runner{store: store, factory: factory, notifier: notifier}
}

// WithWorker makes Run record desc as the task's worker when it takes the
// task, so supervision probes this process
func (r *Runner) WithWorker(desc types.WorkerDescriptor) *Runner {
	r.worker = desc
	return r
}

// Terminate requests cancellation. The running job is terminated right away
// when it allows it; otherwise the request is honoured at the next job
// boundary.
func (r *Runner) Terminate() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	exec, terminable := r.current, r.terminable
	r.mu.Unlock()

	logger := log.WithComponent("runner")
	switch {
	case exec == nil:
		logger.Info().Msg("Cancel requested")
	case terminable:
		logger.Info().Msg("Cancel requested, terminating running job")
		go exec.Terminate(r.factory.KillGrace())
	default:
		logger.Info().Msg("Cancel requested, waiting for the running job to finish")
	}
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Runner) track(exec executor.Executor, terminable bool) {
	r.mu.Lock()
	r.current, r.terminable = exec, terminable
	pending := r.cancelled
	r.mu.Unlock()
	if exec != nil && pending && terminable {
		go exec.Terminate(r.factory.KillGrace())
	}
}

// Run executes the task and applies its effects. A nil error means the
// runner completed its work, whatever the terminal status of the task.
func (r *Runner) Run(ctx context.Context, taskID uint64, mode Mode) (err error) {
	// repository writes must outlive a cancelled caller
	ctx = context.WithoutCancel(ctx)
	logger := log.WithTaskID(taskID)

	scope, err := r.begin(ctx, taskID, mode)
	if err != nil {
		return err
	}
	logger.Info().Str("mode", mode.String()).Str("action", scope.Action.Name).Str("target", scope.Task.Target.String()).Msg("Task running")
	r.notifier.Notify(ctx, events.TaskStatus(scope.Task))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner panic: %v", p)
			r.breakTask(ctx, logger, taskID, err)
		}
	}()

	out, err := r.loop(ctx, scope)
	if err != nil {
		r.breakTask(ctx, logger, taskID, err)
		return err
	}

	changed, err := r.finish(ctx, scope, out)
	if err != nil {
		r.breakTask(ctx, logger, taskID, err)
		return err
	}

	metrics.TasksFinished.WithLabelValues(string(out.status)).Inc()
	logger.Info().Str("status", string(out.status)).Msg("Task finished")
	r.notifier.Notify(ctx, events.TaskStatus(scope.Task))
	if changed != nil {
		r.notifier.Notify(ctx, events.ObjectState(changed.Ref, changed.State))
	}
	return nil
}

func (r *Runner) recordWorker(tx storage.Tx, taskID uint64) error {
	if r.worker.IsZero() {
		return nil
	}
	desc := r.worker
	_, err := tx.UpdateTask(taskID, storage.TaskPatch{Worker: &desc})
	return err
}

// begin moves the task to running and loads its scope
func (r *Runner) begin(ctx context.Context, taskID uint64, mode Mode) (*executor.TaskScope, error) {
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if mode == Start {
			if _, err := tx.UpdateTask(taskID, storage.StatusPatch(types.StatusRunning)); err != nil {
				return err
			}
			return r.recordWorker(tx, taskID)
		}

		if err := types.ValidateReopen(task.Status); err != nil {
			return fmt.Errorf("%w: %v", ErrNotRestartable, err)
		}
		if err := checkRestartLocks(tx, task); err != nil {
			return err
		}
		action, err := tx.GetAction(task.ActionID)
		if err != nil {
			return err
		}
		jobs, err := tx.GetTaskJobs(taskID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status == types.StatusSuccess {
				continue
			}
			if _, err := tx.ResetJob(job.ID); err != nil {
				return err
			}
		}
		reason := action.DisplayName
		if reason == "" {
			reason = action.Name
		}
		if _, err := concern.AttachTask(tx, task, reason); err != nil {
			return err
		}
		if _, err := tx.ReopenTask(taskID); err != nil {
			return err
		}
		return r.recordWorker(tx, taskID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to %s task %d: %w", mode, taskID, err)
	}

	scope, err := executor.LoadTaskScope(r.store, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}
	return scope, nil
}

// checkRestartLocks refuses a restart while another unfinished task holds a
// blocking lock covering the target.
func checkRestartLocks(tx storage.Tx, task *types.Task) error {
	locks, err := concern.BlockingLocks(tx, task.Target)
	if err != nil {
		return err
	}
	for _, lock := range locks {
		if lock.TaskID == 0 || lock.TaskID == task.ID {
			continue
		}
		other, err := tx.GetTask(lock.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !other.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is locked by task %d", ErrNotRestartable, task.Target, other.ID)
		}
	}
	return nil
}

// outcome is what the job loop leaves for the effects transaction
type outcome struct {
	status types.Status
	failed *types.Job
}

func (r *Runner) loop(ctx context.Context, scope *executor.TaskScope) (outcome, error) {
	jobs, err := r.store.GetTaskJobs(scope.Task.ID)
	if err != nil {
		return outcome{}, err
	}

	for _, job := range jobs {
		if job.Status == types.StatusSuccess {
			continue
		}
		if r.isCancelled() {
			return outcome{status: types.StatusAborted}, nil
		}
		status, err := r.runJob(ctx, scope.Job(job))
		if err != nil {
			return outcome{}, err
		}
		if status != types.StatusSuccess {
			return outcome{status: status, failed: job}, nil
		}
	}
	return outcome{status: types.StatusSuccess}, nil
}

func (r *Runner) allowToTerminate(scope executor.JobScope) bool {
	if scope.Job.AllowToTerminate != nil {
		return *scope.Job.AllowToTerminate
	}
	return scope.Action.AllowToTerminate
}

// runJob drives one job through build, execution and finalization. The
// returned error is a repository failure; job failures are statuses.
func (r *Runner) runJob(ctx context.Context, scope executor.JobScope) (types.Status, error) {
	job := scope.Job
	logger := log.WithJobID(job.TaskID, job.ID)

	target, err := r.factory.Build(scope)
	if err == nil {
		err = target.Prepare(ctx)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to prepare job")
		r.finalize(ctx, logger, target)
		return types.StatusBroken, r.endJob(ctx, job, types.StatusBroken)
	}

	if err := r.setJob(ctx, job, storage.JobStatusPatch(types.StatusRunning)); err != nil {
		return "", err
	}
	r.notifier.Notify(ctx, events.JobStatus(job))

	exec := target.Executor
	timer := metrics.NewTimer()
	if err := exec.Execute(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start job")
		r.finalize(ctx, logger, target)
		return types.StatusBroken, r.endJob(ctx, job, types.StatusBroken)
	}
	r.track(exec, r.allowToTerminate(scope))

	pid := exec.PID()
	if pid == 0 {
		pid = os.Getpid()
	}
	if err := r.setJob(ctx, job, storage.JobPatch{PID: &pid}); err != nil {
		exec.Terminate(r.factory.KillGrace())
		r.track(nil, false)
		return "", err
	}
	logger.Info().Str("type", string(job.ScriptType)).Str("script", job.Script).Int("pid", pid).Msg("Job started")

	res := exec.WaitFinished()
	r.track(nil, false)
	timer.ObserveDurationVec(metrics.JobDuration, string(job.ScriptType))

	status := r.exitStatus(res)
	event := logger.Info()
	if status != types.StatusSuccess {
		event = logger.Warn()
	}
	event.Int("exit_code", res.ExitCode).Bool("signaled", res.Signaled).AnErr("error", res.Err).
		Str("status", string(status)).Msg("Job finished")

	r.finalize(ctx, logger, target)
	return status, r.endJob(ctx, job, status)
}

// exitStatus maps an executor result to a job status
func (r *Runner) exitStatus(res executor.Result) types.Status {
	switch {
	case res.Success():
		return types.StatusSuccess
	case res.Signaled || r.isCancelled():
		return types.StatusAborted
	case res.Err != nil:
		return types.StatusBroken
	default:
		return types.StatusFailed
	}
}

func (r *Runner) finalize(ctx context.Context, logger zerolog.Logger, target *executor.ExecutionTarget) {
	if target == nil {
		return
	}
	if err := target.Finalize(ctx); err != nil {
		logger.Warn().Err(err).Msg("Job finalizers failed")
	}
}

func (r *Runner) setJob(ctx context.Context, job *types.Job, patch storage.JobPatch) error {
	return r.store.Update(ctx, func(tx storage.Tx) error {
		updated, err := tx.UpdateJob(job.ID, patch)
		if err != nil {
			return err
		}
		*job = *updated
		return nil
	})
}

func (r *Runner) endJob(ctx context.Context, job *types.Job, status types.Status) error {
	if err := r.setJob(ctx, job, storage.JobStatusPatch(status)); err != nil {
		return err
	}
	metrics.JobsFinished.WithLabelValues(string(job.ScriptType), string(status)).Inc()
	r.notifier.Notify(ctx, events.JobStatus(job))
	return nil
}

// finish applies the task effects and the terminal status in one
// transaction. It returns the target when its state was changed.
func (r *Runner) finish(ctx context.Context, scope *executor.TaskScope, out outcome) (*types.Object, error) {
	task, action := scope.Task, scope.Action
	var changed *types.Object

	err := r.store.Update(ctx, func(tx storage.Tx) error {
		changed = nil
		pending, err := tx.RetrieveUnfinishedTaskJobs(task.ID)
		if err != nil {
			return err
		}
		for _, job := range pending {
			if _, err := tx.UpdateJob(job.ID, storage.JobStatusPatch(types.StatusAborted)); err != nil {
				return err
			}
		}

		success := out.status == types.StatusSuccess
		delta := action.OnSuccess
		if !success {
			delta = action.OnFail
			if out.failed != nil && !out.failed.OnFail.IsEmpty() {
				delta = out.failed.OnFail
			}
		}
		if !delta.IsEmpty() {
			if changed, err = applyDelta(tx, task.Target, delta); err != nil {
				return err
			}
		}

		if action.HostComponentChange && task.HostComponent.Change {
			if err := applyMapping(tx, scope.Target, task.HostComponent, success); err != nil {
				return err
			}
		}

		if mode, ok := action.MaintenanceTarget(); ok {
			if err := finishMaintenance(tx, task.Target, mode, success); err != nil {
				return err
			}
		}

		if err := concern.ReleaseTask(tx, task.ID); err != nil {
			return err
		}
		updated, err := tx.UpdateTask(task.ID, storage.StatusPatch(out.status))
		if err != nil {
			return err
		}
		*task = *updated
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finish task %d: %w", task.ID, err)
	}
	return changed, nil
}

func applyDelta(tx storage.Tx, ref types.ObjectRef, delta types.StateDelta) (*types.Object, error) {
	if delta.State != "" {
		if err := tx.UpdateObjectState(ref, delta.State); err != nil {
			return nil, err
		}
	}
	if len(delta.MultiStateSet) > 0 || len(delta.MultiStateUnset) > 0 {
		if err := tx.UpdateObjectMultiState(ref, delta.MultiStateSet, delta.MultiStateUnset); err != nil {
			return nil, err
		}
	}
	return tx.GetObject(ref)
}

// applyMapping writes the desired mapping on success and restores the
// snapshot otherwise, then re-evaluates the concerns of the cluster.
func applyMapping(tx storage.Tx, target *types.Object, hc types.HostComponentPayload, success bool) error {
	clusterID := target.ClusterID
	if target.Ref.Type == types.ObjectCluster {
		clusterID = target.Ref.ID
	}
	if _, err := tx.LockHostComponents(clusterID); err != nil {
		return err
	}
	entries := hc.Snapshot
	if success {
		entries = hc.Desired
	}
	if err := tx.SetHostComponents(clusterID, entries); err != nil {
		return err
	}
	return concern.ReconcileCluster(tx, clusterID)
}

// finishMaintenance settles a target left in the changing mode: the
// requested mode on success, the opposite one otherwise.
func finishMaintenance(tx storage.Tx, ref types.ObjectRef, mode types.MaintenanceMode, success bool) error {
	obj, err := tx.GetObject(ref)
	if err != nil {
		return err
	}
	if obj.MaintenanceMode != types.MaintenanceChanging {
		return nil
	}
	if !success {
		mode = opposite(mode)
	}
	return tx.SetMaintenanceMode(ref, mode)
}

func opposite(mode types.MaintenanceMode) types.MaintenanceMode {
	if mode == types.MaintenanceOn {
		return types.MaintenanceOff
	}
	return types.MaintenanceOn
}

// breakTask is the last resort after a runner failure: every unfinished job
// and the task become broken and the task concerns are removed.
func (r *Runner) breakTask(ctx context.Context, logger zerolog.Logger, taskID uint64, cause error) {
	logger.Error().Err(cause).Msg("Runner failed, marking task broken")

	var task *types.Task
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		jobs, err := tx.RetrieveUnfinishedTaskJobs(taskID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if _, err := tx.UpdateJob(job.ID, storage.JobStatusPatch(types.StatusBroken)); err != nil {
				return err
			}
		}
		if err := concern.ReleaseTask(tx, taskID); err != nil {
			return err
		}
		current, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			task = current
			return nil
		}
		task, err = tx.UpdateTask(taskID, storage.StatusPatch(types.StatusBroken))
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark task broken")
		return
	}
	metrics.TasksFinished.WithLabelValues(string(task.Status)).Inc()
	r.notifier.Notify(ctx, events.TaskStatus(task))
}
