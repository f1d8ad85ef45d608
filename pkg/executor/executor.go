package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/security"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// ErrBundleMissing is returned when the script of a job is absent from its bundle
var ErrBundleMissing = errors.New("bundle script missing")

// Result is the outcome of one execution. ExitCode is 0 on success; a
// process killed by a signal reports Signaled and 128+signal as exit code.
type Result struct {
	ExitCode int
	Signaled bool
	Err      error
}

// Success reports a clean zero exit
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.Signaled && r.Err == nil
}

// Executor runs one job. The set of implementations is closed:
// *AnsibleExecutor, *PythonExecutor and *InternalExecutor.
type Executor interface {
	// Execute starts the job and returns once it is running
	Execute(ctx context.Context) error
	// WaitFinished blocks until the job exits
	WaitFinished() Result
	// Result returns the last known result without blocking
	Result() Result
	// Terminate asks the job to stop, forcing it after grace
	Terminate(grace time.Duration)
	// PID of the job process, 0 for in-process jobs
	PID() int

	sealed()
}

// Config locates the filesystem roots and interpreters used by executors
type Config struct {
	RunDir          string
	CodeDir         string
	BundleDir       string
	AnsiblePlaybook string
	Python          string
	VaultScript     string
	VenvRoot        string
	KillGrace       time.Duration
}

// TaskScope is everything about a task a job needs, loaded once per run
type TaskScope struct {
	Task      *types.Task
	Action    *types.Action
	Prototype *types.Prototype
	Target    *types.Object
	Owner     *types.Object
}

// LoadTaskScope reads the task and the definitions it runs
func LoadTaskScope(tx storage.Tx, taskID uint64) (*TaskScope, error) {
	task, err := tx.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	action, err := tx.GetAction(task.ActionID)
	if err != nil {
		return nil, err
	}
	proto, err := tx.GetPrototype(action.PrototypeID)
	if err != nil {
		return nil, err
	}
	target, err := tx.GetObject(task.Target)
	if err != nil {
		return nil, err
	}
	owner := target
	if task.Owner != task.Target && !task.Owner.IsZero() {
		if owner, err = tx.GetObject(task.Owner); err != nil {
			return nil, err
		}
	}
	return &TaskScope{Task: task, Action: action, Prototype: proto, Target: target, Owner: owner}, nil
}

// Job narrows the scope to one job of the task
func (s *TaskScope) Job(job *types.Job) JobScope {
	return JobScope{TaskScope: s, Job: job}
}

// JobScope is the input of Factory.Build
type JobScope struct {
	*TaskScope
	Job *types.Job
}

// EnvironmentBuilder prepares one part of a job work directory
type EnvironmentBuilder interface {
	Name() string
	Build(ctx context.Context) error
}

// Finalizer collects job output after the executor finished
type Finalizer interface {
	Name() string
	Finalize(ctx context.Context) error
}

// ExecutionTarget is a job ready to run: builders prepare its environment,
// the executor runs it and finalizers collect what it left behind.
type ExecutionTarget struct {
	Job        *types.Job
	WorkDir    string
	Executor   Executor
	Builders   []EnvironmentBuilder
	Finalizers []Finalizer
}

// Prepare runs the builders in order, stopping at the first failure
func (t *ExecutionTarget) Prepare(ctx context.Context) error {
	for _, b := range t.Builders {
		if err := b.Build(ctx); err != nil {
			return fmt.Errorf("failed to build %s for job %d: %w", b.Name(), t.Job.ID, err)
		}
	}
	return nil
}

// Finalize runs every finalizer and joins their errors
func (t *ExecutionTarget) Finalize(ctx context.Context) error {
	var errs []error
	for _, f := range t.Finalizers {
		if err := f.Finalize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Factory turns jobs into execution targets
type Factory struct {
	cfg      Config
	store    storage.Store
	secrets  *security.SecretsManager
	internal map[string]InternalFunc
}

// NewFactory creates a factory with the builtin internal scripts registered
func NewFactory(cfg Config, store storage.Store, secrets *security.SecretsManager) *Factory {
	if cfg.AnsiblePlaybook == "" {
		cfg.AnsiblePlaybook = "ansible-playbook"
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.VaultScript == "" {
		cfg.VaultScript = filepath.Join(cfg.CodeDir, "ansible_secret.py")
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	f := &Factory{
		cfg:      cfg,
		store:    store,
		secrets:  secrets,
		internal: map[string]InternalFunc{},
	}
	f.Register("noop", noop)
	f.Register("hc_apply", hcApply)
	return f
}

// Register adds an internal script
func (f *Factory) Register(name string, fn InternalFunc) {
	f.internal[name] = fn
}

// KillGrace is the executor grace window between SIGTERM and SIGKILL
func (f *Factory) KillGrace() time.Duration {
	return f.cfg.KillGrace
}

// WorkDir returns <run_dir>/<job_id>
func (f *Factory) WorkDir(jobID uint64) string {
	return filepath.Join(f.cfg.RunDir, fmt.Sprint(jobID))
}

// Build selects the executor of the job by script type
func (f *Factory) Build(scope JobScope) (*ExecutionTarget, error) {
	job := scope.Job
	work := f.WorkDir(job.ID)
	target := &ExecutionTarget{
		Job:      job,
		WorkDir:  work,
		Builders: []EnvironmentBuilder{workDirBuilder{dir: work}},
	}

	switch job.ScriptType {
	case types.ScriptAnsible:
		script := f.scriptPath(scope)
		cfgPath, generated := f.ansibleConfigPath(scope, work)
		target.Builders = append(target.Builders,
			bundleCheck{path: script},
			configBuilder{path: filepath.Join(work, "config.json"), scope: scope, factory: f},
			inventoryBuilder{path: filepath.Join(work, "inventory.json"), scope: scope, store: f.store},
		)
		if generated {
			target.Builders = append(target.Builders, ansibleCfgBuilder{path: cfgPath})
		}
		target.Executor = newAnsibleExecutor(f, scope, work, script, cfgPath, generated)
	case types.ScriptPython:
		script := f.scriptPath(scope)
		target.Builders = append(target.Builders,
			bundleCheck{path: script},
			configBuilder{path: filepath.Join(work, "config.json"), scope: scope, factory: f},
		)
		target.Executor = newPythonExecutor(f, scope, work, script)
	case types.ScriptInternal:
		fn, ok := f.internal[job.Script]
		if !ok {
			return nil, fmt.Errorf("unknown internal script %q", job.Script)
		}
		target.Executor = newInternalExecutor(f, scope, work, fn)
	default:
		return nil, fmt.Errorf("unsupported script type %q for job %d", job.ScriptType, job.ID)
	}

	if job.ScriptType != types.ScriptInternal {
		target.Finalizers = append(target.Finalizers,
			checkLogFinalizer{work: work, jobID: job.ID, store: f.store},
			customLogFinalizer{work: work, jobID: job.ID, store: f.store},
		)
	}
	return target, nil
}

// bundleRoot is <bundle_dir>/<bundle_hash>
func (f *Factory) bundleRoot(scope JobScope) string {
	return filepath.Join(f.cfg.BundleDir, scope.Prototype.BundleHash)
}

// scriptPath resolves a job script: "./x" is relative to the prototype
// directory inside the bundle, anything else to the bundle root.
func (f *Factory) scriptPath(scope JobScope) string {
	root := f.bundleRoot(scope)
	script := scope.Job.Script
	if filepath.IsAbs(script) {
		return script
	}
	if strings.HasPrefix(script, "./") {
		return filepath.Join(root, scope.Prototype.Path, script)
	}
	return filepath.Join(root, script)
}

func (f *Factory) ansibleConfigPath(scope JobScope, work string) (string, bool) {
	shipped := filepath.Join(f.bundleRoot(scope), "ansible.cfg")
	if _, err := os.Stat(shipped); err == nil {
		return shipped, false
	}
	return filepath.Join(work, "ansible.cfg"), true
}

func (f *Factory) venv(scope JobScope) string {
	venv := scope.Action.Venv
	if venv == "" {
		venv = scope.Prototype.Venv
	}
	if venv == "" {
		venv = "default"
	}
	return filepath.Join(f.cfg.VenvRoot, venv)
}

// environ is the process environment shared by ansible and python jobs
func (f *Factory) environ(scope JobScope) []string {
	env := os.Environ()
	path := filepath.Join(f.venv(scope), "bin")
	if cur := os.Getenv("PATH"); cur != "" {
		path += string(os.PathListSeparator) + cur
	}
	pyPath := []string{
		filepath.Join(f.cfg.CodeDir, "pmod"),
		filepath.Join(f.bundleRoot(scope), "pmod"),
	}
	if cur := os.Getenv("PYTHONPATH"); cur != "" {
		pyPath = append(pyPath, cur)
	}
	return setEnv(env,
		"PATH="+path,
		"PYTHONPATH="+strings.Join(pyPath, string(os.PathListSeparator)),
	)
}

// setEnv replaces or appends KEY=VALUE pairs
func setEnv(env []string, pairs ...string) []string {
	out := make([]string, 0, len(env)+len(pairs))
	override := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		k, _, _ := strings.Cut(p, "=")
		override[k] = true
	}
	for _, e := range env {
		k, _, _ := strings.Cut(e, "=")
		if !override[k] {
			out = append(out, e)
		}
	}
	return append(out, pairs...)
}

func logFile(work string, kind types.ScriptType, stream types.LogType) string {
	return filepath.Join(work, fmt.Sprintf("%s-%s.txt", kind, stream))
}

// LogFilePath returns the file backing a stdout or stderr log row
func LogFilePath(runDir string, l *types.Log) string {
	return filepath.Join(runDir, fmt.Sprint(l.JobID), fmt.Sprintf("%s-%s.txt", l.Name, l.Type))
}
