package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/composer"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/executor"
	"github.com/cuemby/foreman/pkg/security"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/storage/storagetest"
	"github.com/cuemby/foreman/pkg/types"
)

type fixture struct {
	store    *storage.GormStore
	e        *storagetest.Estate
	factory  *executor.Factory
	composer *composer.Composer
	bundle   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)
	secrets, err := security.NewSecretsManagerFromPassword("runner")
	require.NoError(t, err)

	cfg := executor.Config{
		RunDir:    filepath.Join(root, "run"),
		CodeDir:   filepath.Join(root, "code"),
		BundleDir: filepath.Join(root, "bundle"),
		Python:    "/bin/sh",
		VenvRoot:  filepath.Join(root, "venv"),
		KillGrace: 2 * time.Second,
	}
	bundle := filepath.Join(cfg.BundleDir, e.ClusterProto.BundleHash)
	require.NoError(t, os.MkdirAll(bundle, 0o755))

	return &fixture{
		store:    store,
		e:        e,
		factory:  executor.NewFactory(cfg, store, secrets),
		composer: composer.New(store, secrets, nil),
		bundle:   bundle,
	}
}

func (f *fixture) script(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.bundle, name), []byte(body), 0o755))
}

func (f *fixture) compose(t *testing.T, proto *types.Prototype, action *types.Action, req composer.Request) *types.Task {
	t.Helper()
	action.PrototypeID = proto.ID
	if action.Name == "" {
		action.Name = "install"
	}
	require.NoError(t, f.store.CreateAction(action))
	req.ActionID = action.ID
	task, err := f.composer.Compose(context.Background(), req)
	require.NoError(t, err)
	return task
}

func (f *fixture) jobs(t *testing.T, taskID uint64) []*types.Job {
	t.Helper()
	jobs, err := f.store.GetTaskJobs(taskID)
	require.NoError(t, err)
	return jobs
}

func (f *fixture) task(t *testing.T, id uint64) *types.Task {
	t.Helper()
	task, err := f.store.GetTask(id)
	require.NoError(t, err)
	return task
}

func (f *fixture) object(t *testing.T, ref types.ObjectRef) *types.Object {
	t.Helper()
	obj, err := f.store.GetObject(ref)
	require.NoError(t, err)
	return obj
}

// assertReleased checks that a terminal task holds no concern and left none
// on its target
func (f *fixture) assertReleased(t *testing.T, task *types.Task) {
	t.Helper()
	held, err := f.store.ListTaskConcerns(task.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
	linked, err := f.store.ObjectConcerns(task.Target)
	require.NoError(t, err)
	assert.Empty(t, linked)
	assert.Zero(t, f.task(t, task.ID).LockID)
	for _, job := range f.jobs(t, task.ID) {
		assert.True(t, job.Status.IsTerminal(), "job %d is %s", job.ID, job.Status)
	}
}

func installAction() *types.Action {
	return &types.Action{
		ScriptType: types.ScriptPython,
		OnSuccess:  types.StateDelta{State: "installed", MultiStateSet: []string{"ready"}},
		OnFail:     types.StateDelta{State: "install_failed"},
		SubActions: []types.JobSpec{
			{Name: "prepare", Script: "prepare.sh", OnFail: types.StateDelta{State: "failed"}},
			{Name: "finalize", Script: "finalize.sh", OnFail: types.StateDelta{State: "failed"}},
		},
	}
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	f.script(t, "prepare.sh", "grep -q workers \"$JOB_CONFIG\" || exit 7\n")
	f.script(t, "finalize.sh", "exit 0\n")
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	action := installAction()
	action.Config = []types.ParamSpec{{Name: "workers", Type: types.ParamInteger}}
	task := f.compose(t, f.e.ClusterProto, action, composer.Request{Target: f.e.Cluster, Config: map[string]any{"workers": 3}})

	r := New(f.store, f.factory, events.BrokerNotifier{Broker: broker})
	require.NoError(t, r.Run(context.Background(), task.ID, Start))

	got := f.task(t, task.ID)
	assert.Equal(t, types.StatusSuccess, got.Status)
	assert.False(t, got.StartTime.IsZero())
	assert.False(t, got.FinishTime.IsZero())

	jobs := f.jobs(t, task.ID)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, types.StatusSuccess, job.Status)
		assert.NotZero(t, job.PID)
	}
	assert.False(t, jobs[1].StartTime.Before(jobs[0].StartTime))

	cluster := f.object(t, f.e.Cluster)
	assert.Equal(t, "installed", cluster.State)
	assert.Equal(t, []string{"ready"}, cluster.MultiState)
	f.assertReleased(t, task)

	var statuses []types.Status
	timeout := time.After(5 * time.Second)
	for len(statuses) < 2 {
		select {
		case ev := <-sub:
			if ev.Type == events.EventTaskStatus {
				statuses = append(statuses, ev.Status)
			}
		case <-timeout:
			t.Fatalf("missing task events, got %v", statuses)
		}
	}
	assert.Equal(t, []types.Status{types.StatusRunning, types.StatusSuccess}, statuses)
}

func TestRunFailureOnSecondJobThenRestart(t *testing.T) {
	f := newFixture(t)
	f.script(t, "prepare.sh", "exit 0\n")
	f.script(t, "finalize.sh", "exit 1\n")
	task := f.compose(t, f.e.ClusterProto, installAction(), composer.Request{Target: f.e.Cluster})

	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start))

	assert.Equal(t, types.StatusFailed, f.task(t, task.ID).Status)
	jobs := f.jobs(t, task.ID)
	assert.Equal(t, types.StatusSuccess, jobs[0].Status)
	assert.Equal(t, types.StatusFailed, jobs[1].Status)
	assert.Equal(t, "failed", f.object(t, f.e.Cluster).State)
	f.assertReleased(t, task)

	firstStart := jobs[0].StartTime
	f.script(t, "finalize.sh", "exit 0\n")
	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Restart))

	got := f.task(t, task.ID)
	assert.Equal(t, types.StatusSuccess, got.Status)
	jobs = f.jobs(t, task.ID)
	assert.Equal(t, types.StatusSuccess, jobs[0].Status)
	assert.True(t, firstStart.Equal(jobs[0].StartTime), "first job must not re-run")
	assert.Equal(t, types.StatusSuccess, jobs[1].Status)
	assert.Equal(t, "installed", f.object(t, f.e.Cluster).State)
	f.assertReleased(t, task)

	err := New(f.store, f.factory, nil).Run(context.Background(), task.ID, Restart)
	assert.ErrorIs(t, err, ErrNotRestartable)
}

func TestRestartRefusedWhileTargetLocked(t *testing.T) {
	f := newFixture(t)
	f.script(t, "flaky.sh", "exit 1\n")
	f.script(t, "check.sh", "exit 0\n")
	failed := f.compose(t, f.e.ClusterProto, &types.Action{ScriptType: types.ScriptPython, Script: "flaky.sh"},
		composer.Request{Target: f.e.Cluster})
	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), failed.ID, Start))
	require.Equal(t, types.StatusFailed, f.task(t, failed.ID).Status)

	holder := f.compose(t, f.e.ClusterProto, &types.Action{Name: "check", ScriptType: types.ScriptPython, Script: "check.sh"},
		composer.Request{Target: f.e.Cluster})
	require.NotZero(t, holder.LockID)

	f.script(t, "flaky.sh", "exit 0\n")
	err := New(f.store, f.factory, nil).Run(context.Background(), failed.ID, Restart)
	assert.ErrorIs(t, err, ErrNotRestartable)
	assert.Equal(t, types.StatusFailed, f.task(t, failed.ID).Status)
	assert.Equal(t, types.StatusFailed, f.jobs(t, failed.ID)[0].Status)

	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), holder.ID, Start))
	require.Equal(t, types.StatusSuccess, f.task(t, holder.ID).Status)

	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), failed.ID, Restart))
	assert.Equal(t, types.StatusSuccess, f.task(t, failed.ID).Status)
}

func TestRunActionOnFailWhenJobHasNone(t *testing.T) {
	f := newFixture(t)
	f.script(t, "fail.sh", "exit 2\n")
	action := &types.Action{ScriptType: types.ScriptPython, Script: "fail.sh", OnFail: types.StateDelta{State: "install_failed"}}
	task := f.compose(t, f.e.ClusterProto, action, composer.Request{Target: f.e.Cluster})

	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start))
	assert.Equal(t, types.StatusFailed, f.task(t, task.ID).Status)
	assert.Equal(t, "install_failed", f.object(t, f.e.Cluster).State)
}

func waitRunning(t *testing.T, f *fixture, taskID uint64, seq int) {
	t.Helper()
	require.Eventually(t, func() bool {
		jobs, err := f.store.GetTaskJobs(taskID)
		return err == nil && jobs[seq].Status == types.StatusRunning && jobs[seq].PID != 0
	}, 10*time.Second, 20*time.Millisecond)
}

func TestRunAbortDuringTerminableJob(t *testing.T) {
	f := newFixture(t)
	f.script(t, "prepare.sh", "exit 0\n")
	f.script(t, "finalize.sh", "sleep 30\n")
	action := installAction()
	action.AllowToTerminate = true
	action.SubActions[1].OnFail = types.StateDelta{}
	task := f.compose(t, f.e.ClusterProto, action, composer.Request{Target: f.e.Cluster})

	r := New(f.store, f.factory, nil)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), task.ID, Start) }()

	waitRunning(t, f, task.ID, 1)
	r.Terminate()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop after terminate")
	}

	assert.Equal(t, types.StatusAborted, f.task(t, task.ID).Status)
	jobs := f.jobs(t, task.ID)
	assert.Equal(t, types.StatusSuccess, jobs[0].Status)
	assert.Equal(t, types.StatusAborted, jobs[1].Status)
	assert.Equal(t, "install_failed", f.object(t, f.e.Cluster).State)
	f.assertReleased(t, task)
}

func TestRunCancelWaitsForJobBoundary(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "second-ran")
	f.script(t, "prepare.sh", "sleep 1\n")
	f.script(t, "finalize.sh", "touch "+marker+"\n")
	action := installAction()
	no := false
	action.AllowToTerminate = true
	action.SubActions[0].AllowToTerminate = &no
	task := f.compose(t, f.e.ClusterProto, action, composer.Request{Target: f.e.Cluster})

	r := New(f.store, f.factory, nil)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), task.ID, Start) }()

	waitRunning(t, f, task.ID, 0)
	r.Terminate()
	require.NoError(t, <-done)

	assert.Equal(t, types.StatusAborted, f.task(t, task.ID).Status)
	jobs := f.jobs(t, task.ID)
	assert.Equal(t, types.StatusSuccess, jobs[0].Status)
	assert.Equal(t, types.StatusAborted, jobs[1].Status)
	assert.True(t, jobs[1].StartTime.IsZero())
	assert.NoFileExists(t, marker)
	f.assertReleased(t, task)
}

func TestRunHostActionAppliesDeltaToHost(t *testing.T) {
	f := newFixture(t)
	e := f.e
	action := &types.Action{
		Name:       "decommission",
		HostAction: true,
		ScriptType: types.ScriptInternal,
		Script:     "noop",
		OnSuccess:  types.StateDelta{State: "decommissioned"},
	}
	task := f.compose(t, e.ComponentProto, action, composer.Request{Target: e.Hosts[1], Owner: e.Components[2]})

	// the lock follows the host hierarchy while the task runs
	for _, ref := range []types.ObjectRef{e.Hosts[1], e.Provider, e.Cluster, e.Services[1], e.Components[2]} {
		linked, err := f.store.ObjectConcerns(ref)
		require.NoError(t, err)
		assert.Len(t, linked, 1, ref.String())
	}

	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start))

	assert.Equal(t, types.StatusSuccess, f.task(t, task.ID).Status)
	assert.Equal(t, "decommissioned", f.object(t, e.Hosts[1]).State)
	assert.Equal(t, "created", f.object(t, e.Components[2]).State)
	f.assertReleased(t, task)
}

func TestRunMissingBundleBreaksJob(t *testing.T) {
	f := newFixture(t)
	action := installAction()
	f.script(t, "prepare.sh", "exit 0\n")
	task := f.compose(t, f.e.ClusterProto, action, composer.Request{Target: f.e.Cluster})

	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start))

	assert.Equal(t, types.StatusBroken, f.task(t, task.ID).Status)
	jobs := f.jobs(t, task.ID)
	assert.Equal(t, types.StatusSuccess, jobs[0].Status)
	assert.Equal(t, types.StatusBroken, jobs[1].Status)
	assert.Equal(t, "failed", f.object(t, f.e.Cluster).State)
	f.assertReleased(t, task)
}

func TestRunMaintenanceMode(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   types.MaintenanceMode
	}{
		{"success", "exit 0\n", types.MaintenanceOn},
		{"failure", "exit 1\n", types.MaintenanceOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.script(t, "mm.sh", tt.script)
			action := &types.Action{Name: "host_turn_on_maintenance_mode", ScriptType: types.ScriptPython, Script: "mm.sh"}
			task := f.compose(t, f.e.HostProto, action, composer.Request{Target: f.e.Hosts[0]})
			require.Equal(t, types.MaintenanceChanging, f.object(t, f.e.Hosts[0]).MaintenanceMode)

			require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start))
			assert.Equal(t, tt.want, f.object(t, f.e.Hosts[0]).MaintenanceMode)
		})
	}
}

func TestRunHostComponentChange(t *testing.T) {
	moved := func(f *fixture) []types.HostComponent {
		// move component 3 from host 2 to host 1
		desired := append([]types.HostComponent(nil), f.e.Mapping[:3]...)
		return append(desired, types.HostComponent{
			ClusterID: 42, ServiceID: f.e.Services[1].ID, ComponentID: f.e.Components[2].ID, HostID: f.e.Hosts[0].ID,
		})
	}

	t.Run("applied on success", func(t *testing.T) {
		f := newFixture(t)
		desired := moved(f)
		action := &types.Action{Name: "expand", ScriptType: types.ScriptInternal, Script: "hc_apply", HostComponentChange: true}
		task := f.compose(t, f.e.ClusterProto, action, composer.Request{Target: f.e.Cluster, HostComponent: desired})

		require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start))
		assert.Equal(t, types.StatusSuccess, f.task(t, task.ID).Status)
		mapping, err := f.store.GetHostComponents(42)
		require.NoError(t, err)
		assert.ElementsMatch(t, desired, mapping)
	})

	t.Run("restored on failure", func(t *testing.T) {
		f := newFixture(t)
		f.script(t, "fail.sh", "exit 1\n")
		action := &types.Action{
			Name:                "expand",
			HostComponentChange: true,
			SubActions: []types.JobSpec{
				{Name: "apply", ScriptType: types.ScriptInternal, Script: "hc_apply"},
				{Name: "check", ScriptType: types.ScriptPython, Script: "fail.sh"},
			},
		}
		task := f.compose(t, f.e.ClusterProto, action, composer.Request{Target: f.e.Cluster, HostComponent: moved(f)})

		require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start))
		assert.Equal(t, types.StatusFailed, f.task(t, task.ID).Status)
		mapping, err := f.store.GetHostComponents(42)
		require.NoError(t, err)
		assert.ElementsMatch(t, f.e.Mapping, mapping)
	})
}

func TestRunRejectsFinishedTask(t *testing.T) {
	f := newFixture(t)
	task := f.compose(t, f.e.ClusterProto, &types.Action{ScriptType: types.ScriptInternal, Script: "noop"}, composer.Request{Target: f.e.Cluster})
	require.NoError(t, New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start))

	err := New(f.store, f.factory, nil).Run(context.Background(), task.ID, Start)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	assert.Equal(t, types.StatusSuccess, f.task(t, task.ID).Status)
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(_ context.Context, ev *events.Event) {
	if ev.Type == events.EventJobStatus {
		panic("notifier exploded")
	}
}

func TestRunPanicBreaksTask(t *testing.T) {
	f := newFixture(t)
	task := f.compose(t, f.e.ClusterProto, &types.Action{ScriptType: types.ScriptInternal, Script: "noop"}, composer.Request{Target: f.e.Cluster})

	err := New(f.store, f.factory, panickingNotifier{}).Run(context.Background(), task.ID, Start)
	require.Error(t, err)
	assert.Equal(t, types.StatusBroken, f.task(t, task.ID).Status)
	f.assertReleased(t, task)
}

func TestRunRecordsWorker(t *testing.T) {
	f := newFixture(t)
	action := &types.Action{Name: "check", ScriptType: types.ScriptInternal, Script: "noop"}
	task := f.compose(t, f.e.ClusterProto, action, composer.Request{Target: f.e.Cluster})

	desc := types.WorkerDescriptor{Environment: types.EnvironmentLocal, WorkerID: "4242"}
	require.NoError(t, New(f.store, f.factory, nil).WithWorker(desc).Run(context.Background(), task.ID, Start))

	got := f.task(t, task.ID)
	assert.Equal(t, types.StatusSuccess, got.Status)
	assert.Equal(t, desc, got.Worker)
}
