package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cuemby/foreman/pkg/concern"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// InternalEnv is handed to internal scripts
type InternalEnv struct {
	Scope  JobScope
	Store  storage.Store
	Stdout io.Writer
	Stderr io.Writer
}

// InternalFunc is an in-process script. A returned error is written to
// stderr and reported as exit code 1.
type InternalFunc func(ctx context.Context, env InternalEnv) error

// InternalExecutor runs a registered InternalFunc in a goroutine
type InternalExecutor struct {
	fn     InternalFunc
	scope  JobScope
	store  storage.Store
	stdout string
	stderr string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result
	started bool
}

func newInternalExecutor(f *Factory, scope JobScope, work string, fn InternalFunc) *InternalExecutor {
	return &InternalExecutor{
		fn:     fn,
		scope:  scope,
		store:  f.store,
		stdout: logFile(work, types.ScriptInternal, types.LogStdout),
		stderr: logFile(work, types.ScriptInternal, types.LogStderr),
	}
}

func (e *InternalExecutor) Execute(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("internal job already started")
	}

	stdout, err := os.OpenFile(e.stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(e.stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = stdout.Close()
		return fmt.Errorf("failed to open stderr log: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	go func() {
		defer close(e.done)
		defer cancel()
		defer stdout.Close()
		defer stderr.Close()

		res := e.run(runCtx, InternalEnv{Scope: e.scope, Store: e.store, Stdout: stdout, Stderr: stderr})
		e.mu.Lock()
		e.result = res
		e.mu.Unlock()
	}()
	return nil
}

func (e *InternalExecutor) run(ctx context.Context, env InternalEnv) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(env.Stderr, "internal script panicked: %v\n", r)
			res = Result{ExitCode: 1}
		}
	}()

	err := e.fn(ctx, env)
	switch {
	case err == nil:
		return Result{}
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(env.Stderr, "terminated")
		return Result{ExitCode: 128 + 15, Signaled: true}
	default:
		fmt.Fprintln(env.Stderr, err.Error())
		return Result{ExitCode: 1}
	}
}

func (e *InternalExecutor) WaitFinished() Result {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return Result{ExitCode: 1, Err: errors.New("internal job not started")}
	}
	<-done
	return e.Result()
}

func (e *InternalExecutor) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Terminate cancels the script context; grace is not used, internal
// scripts are expected to honour cancellation.
func (e *InternalExecutor) Terminate(time.Duration) {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *InternalExecutor) PID() int { return 0 }
func (e *InternalExecutor) sealed()  {}

func noop(_ context.Context, env InternalEnv) error {
	fmt.Fprintf(env.Stdout, "job %d: nothing to do\n", env.Scope.Job.ID)
	return nil
}

// hcApply writes the desired host-component mapping of the task right away
// and re-evaluates the cluster's concerns. Used by actions that must see
// the new mapping in their later jobs.
func hcApply(ctx context.Context, env InternalEnv) error {
	task := env.Scope.Task
	if !task.HostComponent.Change {
		return errors.New("task carries no host-component change")
	}
	clusterID := env.Scope.Target.ClusterID
	if env.Scope.Target.Ref.Type == types.ObjectCluster {
		clusterID = env.Scope.Target.Ref.ID
	}
	if clusterID == 0 {
		return fmt.Errorf("%s is not bound to a cluster", env.Scope.Target.Ref)
	}

	err := env.Store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockHostComponents(clusterID); err != nil {
			return err
		}
		if err := tx.SetHostComponents(clusterID, task.HostComponent.Desired); err != nil {
			return err
		}
		return concern.ReconcileCluster(tx, clusterID)
	})
	if err != nil {
		return fmt.Errorf("failed to apply host-component mapping: %w", err)
	}
	fmt.Fprintf(env.Stdout, "applied %d host-component entries to cluster %d\n", len(task.HostComponent.Desired), clusterID)
	return nil
}
