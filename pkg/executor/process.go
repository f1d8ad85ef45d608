package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// process runs one command in its own process group with stdout and
// stderr redirected to the job log files.
type process struct {
	binary string
	args   []string
	dir    string
	env    []string
	stdout string
	stderr string
	logger zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	pid    int
	done   chan struct{}
	result Result
}

func (p *process) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("process already started with PID %d", p.pid)
	}

	stdout, err := os.OpenFile(p.stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(p.stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = stdout.Close()
		return fmt.Errorf("failed to open stderr log: %w", err)
	}

	binary, err := lookPath(p.binary, p.env)
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return err
	}

	cmd := exec.Command(binary, p.args...)
	cmd.Dir = p.dir
	cmd.Env = p.env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("failed to start %s: %w", p.binary, err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.done = make(chan struct{})
	p.logger.Debug().Int("pid", p.pid).Str("binary", p.binary).Strs("args", p.args).Msg("Job process started")

	go func() {
		err := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()

		res := exitResult(err)
		p.mu.Lock()
		p.result = res
		p.mu.Unlock()
		close(p.done)
	}()
	return nil
}

// lookPath resolves a bare binary name against the PATH of the job
// environment, so the venv bin directory wins over the PATH of this process.
func lookPath(binary string, env []string) (string, error) {
	if strings.ContainsRune(binary, os.PathSeparator) {
		return binary, nil
	}
	var path string
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "PATH="); ok {
			path = v
		}
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, binary)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("failed to find %s in job PATH: %w", binary, exec.ErrNotFound)
}

func exitResult(err error) Result {
	if err == nil {
		return Result{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Result{ExitCode: 128 + int(ws.Signal()), Signaled: true}
		}
		return Result{ExitCode: exitErr.ExitCode()}
	}
	return Result{ExitCode: 1, Err: err}
}

func (p *process) wait() Result {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return Result{ExitCode: 1, Err: errors.New("process not started")}
	}
	<-done
	return p.current()
}

func (p *process) current() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// terminate sends SIGTERM to the process group and SIGKILL after grace
func (p *process) terminate(grace time.Duration) {
	p.mu.Lock()
	pid, done := p.pid, p.done
	p.mu.Unlock()
	if pid == 0 || done == nil {
		return
	}

	select {
	case <-done:
		return
	default:
	}

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to send SIGTERM to job process group")
	}

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn().Int("pid", pid).Dur("grace", grace).Msg("Job did not stop, killing process group")
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			p.logger.Error().Err(err).Int("pid", pid).Msg("Failed to kill job process group")
		}
		<-done
	}
}

func (p *process) processID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// AnsibleExecutor runs an ansible playbook
type AnsibleExecutor struct {
	process
}

func newAnsibleExecutor(f *Factory, scope JobScope, work, playbook, cfgPath string, generated bool) *AnsibleExecutor {
	args := []string{
		"--vault-password-file", f.cfg.VaultScript,
		"-e", "@" + filepath.Join(work, "config.json"),
		"-i", filepath.Join(work, "inventory.json"),
		playbook,
	}
	if tags, ok := scope.Job.Params["ansible_tags"].(string); ok && tags != "" {
		args = append(args, "--tags="+tags)
	}
	if scope.Task.Verbose || scope.Action.Verbose {
		args = append(args, "-vvvv")
	}

	env := f.environ(scope)
	if generated {
		env = setEnv(env, "ANSIBLE_CONFIG="+cfgPath)
	}

	return &AnsibleExecutor{process{
		binary: f.cfg.AnsiblePlaybook,
		args:   args,
		dir:    f.bundleRoot(scope),
		env:    env,
		stdout: logFile(work, types.ScriptAnsible, types.LogStdout),
		stderr: logFile(work, types.ScriptAnsible, types.LogStderr),
		logger: log.WithJobID(scope.Task.ID, scope.Job.ID),
	}}
}

func (e *AnsibleExecutor) Execute(context.Context) error { return e.start() }
func (e *AnsibleExecutor) WaitFinished() Result          { return e.wait() }
func (e *AnsibleExecutor) Result() Result                { return e.current() }
func (e *AnsibleExecutor) Terminate(grace time.Duration) { e.terminate(grace) }
func (e *AnsibleExecutor) PID() int                      { return e.processID() }
func (e *AnsibleExecutor) sealed()                       {}

// Args returns the ansible-playbook arguments
func (e *AnsibleExecutor) Args() []string { return append([]string(nil), e.args...) }

// PythonExecutor runs a python script from the bundle
type PythonExecutor struct {
	process
}

func newPythonExecutor(f *Factory, scope JobScope, work, script string) *PythonExecutor {
	env := setEnv(f.environ(scope), "JOB_CONFIG="+filepath.Join(work, "config.json"))
	return &PythonExecutor{process{
		binary: f.cfg.Python,
		args:   []string{script},
		dir:    filepath.Dir(script),
		env:    env,
		stdout: logFile(work, types.ScriptPython, types.LogStdout),
		stderr: logFile(work, types.ScriptPython, types.LogStderr),
		logger: log.WithJobID(scope.Task.ID, scope.Job.ID),
	}}
}

func (e *PythonExecutor) Execute(context.Context) error { return e.start() }
func (e *PythonExecutor) WaitFinished() Result          { return e.wait() }
func (e *PythonExecutor) Result() Result                { return e.current() }
func (e *PythonExecutor) Terminate(grace time.Duration) { e.terminate(grace) }
func (e *PythonExecutor) PID() int                      { return e.processID() }
func (e *PythonExecutor) sealed()                       {}
