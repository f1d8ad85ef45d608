package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/types"
)

// Launcher starts the execution of a dispatched task
type Launcher interface {
	// Status is the status a task takes when handed to this launcher
	Status() types.Status
	// Launch returns the worker descriptor recorded on the task
	Launch(ctx context.Context, task *types.Task) (types.WorkerDescriptor, error)
}

// LocalLauncher forks one runner process per task on this host
type LocalLauncher struct {
	// Binary is the foreman executable; empty means the running one
	Binary string
	// Args are passed before "runner start <id>", e.g. --config
	Args   []string
	RunDir string
}

func (l *LocalLauncher) Status() types.Status { return types.StatusScheduled }

// Launch runs `<binary> <args> runner start <id>` with output appended to
// <run_dir>/task-<id>.log. The child is reaped in the background.
func (l *LocalLauncher) Launch(_ context.Context, task *types.Task) (types.WorkerDescriptor, error) {
	binary := l.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return types.WorkerDescriptor{}, fmt.Errorf("failed to locate runner binary: %w", err)
		}
		binary = self
	}

	if err := os.MkdirAll(l.RunDir, 0o755); err != nil {
		return types.WorkerDescriptor{}, fmt.Errorf("failed to create run directory: %w", err)
	}
	logPath := filepath.Join(l.RunDir, fmt.Sprintf("task-%d.log", task.ID))
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return types.WorkerDescriptor{}, fmt.Errorf("failed to open runner log: %w", err)
	}

	args := append(append([]string(nil), l.Args...), "runner", "start", strconv.FormatUint(task.ID, 10))
	cmd := exec.Command(binary, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	// own process group so a kill reaches the runner and its jobs
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		out.Close()
		return types.WorkerDescriptor{}, fmt.Errorf("failed to start runner for task %d: %w", task.ID, err)
	}

	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		out.Close()
		logger := log.WithTaskID(task.ID)
		event := logger.Debug().Int("pid", pid)
		if err != nil {
			event = event.Err(err)
		}
		event.Msg("Runner process exited")
	}()

	return types.WorkerDescriptor{Environment: types.EnvironmentLocal, WorkerID: strconv.Itoa(pid)}, nil
}

// RemoteLauncher submits tasks to the worker pool
type RemoteLauncher struct {
	Pool pool.Pool
}

func (l *RemoteLauncher) Status() types.Status { return types.StatusQueued }

func (l *RemoteLauncher) Launch(ctx context.Context, task *types.Task) (types.WorkerDescriptor, error) {
	id, err := l.Pool.Submit(ctx, task.ID)
	if err != nil {
		return types.WorkerDescriptor{}, err
	}
	return types.WorkerDescriptor{Environment: types.EnvironmentRemote, WorkerID: id}, nil
}
