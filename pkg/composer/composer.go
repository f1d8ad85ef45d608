package composer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/concern"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/security"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// ErrInvalidInput is returned when a request cannot produce a task
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Request asks to run an action on a target object
type Request struct {
	ActionID uint64
	Target   types.ObjectRef
	// Owner is the object the action is defined on; zero means Target
	Owner   types.ObjectRef
	Config  map[string]any
	Verbose bool
	// HostComponent is the desired mapping for actions that change it
	HostComponent []types.HostComponent
	// Blocking defaults to true
	Blocking *bool
}

// Composer expands actions into persisted tasks
type Composer struct {
	store    storage.Store
	secrets  *security.SecretsManager
	notifier events.Notifier
	logger   zerolog.Logger
}

// New creates a composer. secrets may be nil when no action declares
// password parameters.
func New(store storage.Store, secrets *security.SecretsManager, notifier events.Notifier) *Composer {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Composer{
		store:    store,
		secrets:  secrets,
		notifier: notifier,
		logger:   log.WithComponent("composer"),
	}
}

// plan is a validated request
type plan struct {
	action    *types.Action
	specs     []types.JobSpec
	target    *types.Object
	owner     *types.Object
	config    map[string]any
	clusterID uint64
}

// Compose validates req and persists a created task with its jobs, log
// rows and lock or flag concern. The task row is written locked and only
// becomes created together with its jobs and concern, so the scheduler
// never sees a created task that has nothing to run.
func (c *Composer) Compose(ctx context.Context, req Request) (*types.Task, error) {
	if req.Owner.IsZero() {
		req.Owner = req.Target
	}

	p, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	blocking := true
	if req.Blocking != nil {
		blocking = *req.Blocking
	}

	task := &types.Task{
		ActionID:   p.action.ID,
		Target:     req.Target,
		Owner:      req.Owner,
		Status:     types.StatusLocked,
		Config:     p.config,
		Verbose:    req.Verbose,
		IsBlocking: blocking,
	}

	err = c.store.Update(ctx, func(tx storage.Tx) error {
		if p.clusterID != 0 {
			snapshot, err := tx.GetHostComponents(p.clusterID)
			if err != nil {
				return err
			}
			task.HostComponent.Snapshot = snapshot
		}
		if p.action.HostComponentChange {
			task.HostComponent.Change = true
			task.HostComponent.Desired = req.HostComponent
		}
		return tx.CreateTask(task)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	logger := c.logger.With().Uint64("task_id", task.ID).Str("action", p.action.Name).Logger()

	var jobs []*types.Job
	err = c.store.Update(ctx, func(tx storage.Tx) error {
		jobs = newJobs(p.specs)
		if err := tx.CreateJobs(task.ID, jobs); err != nil {
			return err
		}
		var logs []*types.Log
		for _, job := range jobs {
			for _, stream := range []types.LogType{types.LogStdout, types.LogStderr} {
				logs = append(logs, &types.Log{
					JobID:  job.ID,
					Name:   string(job.ScriptType),
					Type:   stream,
					Format: types.FormatText,
				})
			}
		}
		if err := tx.CreateLogs(logs); err != nil {
			return err
		}
		reason := p.action.DisplayName
		if reason == "" {
			reason = p.action.Name
		}
		if _, err := concern.AttachTask(tx, task, reason); err != nil {
			return err
		}
		if _, ok := p.action.MaintenanceTarget(); ok {
			if err := tx.SetMaintenanceMode(task.Target, types.MaintenanceChanging); err != nil {
				return err
			}
		}
		_, err := tx.UpdateTask(task.ID, storage.StatusPatch(types.StatusCreated))
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to compose task, marking it broken")
		if berr := c.markBroken(ctx, task.ID); berr != nil {
			logger.Error().Err(berr).Msg("Failed to mark composed task broken")
		}
		return nil, fmt.Errorf("failed to compose task %d: %w", task.ID, err)
	}
	task.Status = types.StatusCreated

	logger.Info().
		Str("target", task.Target.String()).
		Int("jobs", len(jobs)).
		Bool("blocking", task.IsBlocking).
		Msg("Task composed")

	ev := events.TaskStatus(task)
	ev.Type = events.EventTaskCreated
	c.notifier.Notify(ctx, ev)
	return task, nil
}

func (c *Composer) markBroken(ctx context.Context, taskID uint64) error {
	return c.store.Update(ctx, func(tx storage.Tx) error {
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
		_, err = tx.UpdateTask(taskID, storage.StatusPatch(types.StatusBroken))
		return err
	})
}

func newJobs(specs []types.JobSpec) []*types.Job {
	jobs := make([]*types.Job, 0, len(specs))
	for _, s := range specs {
		jobs = append(jobs, &types.Job{
			Name:             s.Name,
			DisplayName:      s.DisplayName,
			ScriptType:       s.ScriptType,
			Script:           s.Script,
			Params:           s.Params,
			OnFail:           s.OnFail,
			AllowToTerminate: s.AllowToTerminate,
			Status:           types.StatusCreated,
		})
	}
	return jobs
}
