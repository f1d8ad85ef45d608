package monitor

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/composer"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/storage/storagetest"
	"github.com/cuemby/foreman/pkg/types"
)

type env struct {
	store *storage.GormStore
	e     *storagetest.Estate
	pool  *pool.SQLPool
}

func setup(t *testing.T) *env {
	t.Helper()
	store := storagetest.New(t)
	p, err := pool.NewSQLPool(store.DB())
	require.NoError(t, err)
	return &env{store: store, e: storagetest.Seed(t, store), pool: p}
}

// dispatched composes a two job task on the cluster and moves it to status
// with desc as its worker
func (v *env) dispatched(t *testing.T, status types.Status, desc types.WorkerDescriptor) *types.Task {
	t.Helper()
	action := &types.Action{
		PrototypeID: v.e.ClusterProto.ID,
		Name:        "install",
		SubActions: []types.JobSpec{
			{Name: "first", ScriptType: types.ScriptInternal, Script: "noop"},
			{Name: "second", ScriptType: types.ScriptInternal, Script: "noop"},
		},
	}
	require.NoError(t, v.store.CreateAction(action))
	task, err := composer.New(v.store, nil, nil).Compose(context.Background(), composer.Request{
		ActionID: action.ID,
		Target:   v.e.Cluster,
	})
	require.NoError(t, err)

	task, err = v.store.UpdateTask(task.ID, storage.StatusPatch(status))
	require.NoError(t, err)
	if !desc.IsZero() {
		task, err = v.store.UpdateTask(task.ID, storage.TaskPatch{Worker: &desc})
		require.NoError(t, err)
	}
	return task
}

func (v *env) assertAborted(t *testing.T, taskID uint64) {
	t.Helper()
	task, err := v.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, task.Status)
	assert.False(t, task.FinishTime.IsZero())
	assert.Zero(t, task.LockID)

	jobs, err := v.store.GetTaskJobs(taskID)
	require.NoError(t, err)
	for _, job := range jobs {
		assert.True(t, job.Status.IsTerminal(), "job %d is %s", job.Seq, job.Status)
	}
	concerns, err := v.store.ListTaskConcerns(taskID)
	require.NoError(t, err)
	assert.Empty(t, concerns)
	linked, err := v.store.ObjectConcerns(v.e.Cluster)
	require.NoError(t, err)
	assert.Empty(t, linked)
}

func (v *env) status(t *testing.T, id uint64) types.Status {
	t.Helper()
	task, err := v.store.GetTask(id)
	require.NoError(t, err)
	return task.Status
}

// deadPid returns the pid of a process that has exited and been reaped
func deadPid(t *testing.T) string {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return strconv.Itoa(cmd.Process.Pid)
}

func local(pid string) types.WorkerDescriptor {
	return types.WorkerDescriptor{Environment: types.EnvironmentLocal, WorkerID: pid}
}

func TestLocalProbe(t *testing.T) {
	tests := []struct {
		name  string
		pid   string
		alive bool
	}{
		{name: "own process", pid: strconv.Itoa(os.Getpid()), alive: true},
		{name: "exited process", pid: deadPid(t), alive: false},
		{name: "garbage pid", pid: "not-a-pid", alive: false},
		{name: "zero pid", pid: "0", alive: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alive, err := LocalProbe{}.Alive(context.Background(), &types.Task{Worker: local(tt.pid)})
			require.NoError(t, err)
			assert.Equal(t, tt.alive, alive)
		})
	}
}

func TestPoolProbe(t *testing.T) {
	v := setup(t)
	ctx := context.Background()
	probe := &PoolProbe{Pool: v.pool, MaxAge: time.Minute}

	// claims follow submission order
	claimedLive, err := v.pool.Submit(ctx, 1)
	require.NoError(t, err)
	claimedStale, err := v.pool.Submit(ctx, 2)
	require.NoError(t, err)
	finished, err := v.pool.Submit(ctx, 3)
	require.NoError(t, err)

	e, err := v.pool.Claim(ctx, "live")
	require.NoError(t, err)
	require.Equal(t, claimedLive, e.ID)
	require.NoError(t, v.pool.Heartbeat(ctx, "live", "node-a"))

	e, err = v.pool.Claim(ctx, "silent")
	require.NoError(t, err)
	require.Equal(t, claimedStale, e.ID)

	e, err = v.pool.Claim(ctx, "live")
	require.NoError(t, err)
	require.Equal(t, finished, e.ID)
	require.NoError(t, v.pool.Finish(ctx, finished))

	queued, err := v.pool.Submit(ctx, 4)
	require.NoError(t, err)

	tests := []struct {
		name  string
		entry string
		alive bool
	}{
		{name: "queued", entry: queued, alive: true},
		{name: "claimed by live worker", entry: claimedLive, alive: true},
		{name: "claimed by silent worker", entry: claimedStale, alive: false},
		{name: "finished entry", entry: finished, alive: false},
		{name: "missing entry", entry: "no-such-entry", alive: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &types.Task{Worker: types.WorkerDescriptor{Environment: types.EnvironmentRemote, WorkerID: tt.entry}}
			alive, err := probe.Alive(ctx, task)
			require.NoError(t, err)
			assert.Equal(t, tt.alive, alive)
		})
	}
}

// A runner killed between two jobs leaves the first job done and the second
// created. The monitor aborts the rest of the task.
func TestMonitorAbortsTaskOfDeadRunner(t *testing.T) {
	v := setup(t)
	task := v.dispatched(t, types.StatusRunning, local(deadPid(t)))
	jobs, err := v.store.GetTaskJobs(task.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	_, err = v.store.UpdateJob(jobs[0].ID, storage.JobStatusPatch(types.StatusRunning))
	require.NoError(t, err)
	_, err = v.store.UpdateJob(jobs[0].ID, storage.JobStatusPatch(types.StatusSuccess))
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	m := NewMonitor(v.store, v.pool, events.BrokerNotifier{Broker: broker}, Config{Interval: time.Second})
	require.NoError(t, m.check(context.Background()))

	v.assertAborted(t, task.ID)
	jobs, err = v.store.GetTaskJobs(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, jobs[0].Status)
	assert.Equal(t, types.StatusAborted, jobs[1].Status)
	assert.False(t, jobs[1].FinishTime.IsZero())

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventTaskStatus, ev.Type)
		assert.Equal(t, task.ID, ev.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("no status event published")
	}
}

func TestMonitorKeepsLiveTasks(t *testing.T) {
	v := setup(t)
	ctx := context.Background()
	running := v.dispatched(t, types.StatusRunning, local(strconv.Itoa(os.Getpid())))

	entry, err := v.pool.Submit(ctx, 99)
	require.NoError(t, err)
	remote := v.dispatched(t, types.StatusQueued, types.WorkerDescriptor{Environment: types.EnvironmentRemote, WorkerID: entry})

	m := NewMonitor(v.store, v.pool, nil, Config{Interval: time.Second})
	require.NoError(t, m.check(ctx))

	assert.Equal(t, types.StatusRunning, v.status(t, running.ID))
	assert.Equal(t, types.StatusQueued, v.status(t, remote.ID))
}

func TestMonitorTaskWithoutWorker(t *testing.T) {
	v := setup(t)
	task := v.dispatched(t, types.StatusScheduled, types.WorkerDescriptor{})

	m := NewMonitor(v.store, v.pool, nil, Config{Interval: time.Minute})
	require.NoError(t, m.check(context.Background()))
	assert.Equal(t, types.StatusScheduled, v.status(t, task.ID))

	m.now = func() time.Time { return task.CreatedAt.Add(3 * time.Minute) }
	require.NoError(t, m.check(context.Background()))
	v.assertAborted(t, task.ID)
}

func TestMonitorSkipsCreatedTasks(t *testing.T) {
	v := setup(t)
	task := v.dispatched(t, types.StatusCreated, types.WorkerDescriptor{})

	m := NewMonitor(v.store, v.pool, nil, Config{Interval: time.Second})
	m.now = func() time.Time { return task.CreatedAt.Add(time.Hour) }
	require.NoError(t, m.check(context.Background()))
	assert.Equal(t, types.StatusCreated, v.status(t, task.ID))
}

func TestMonitorStartStop(t *testing.T) {
	v := setup(t)
	task := v.dispatched(t, types.StatusRunning, local(deadPid(t)))

	m := NewMonitor(v.store, v.pool, nil, Config{Interval: 20 * time.Millisecond})
	m.Start()
	require.Eventually(t, func() bool {
		return v.status(t, task.ID) == types.StatusAborted
	}, 5*time.Second, 20*time.Millisecond)
	m.Stop()
}

func TestRecovery(t *testing.T) {
	v := setup(t)
	ctx := context.Background()

	created := v.dispatched(t, types.StatusCreated, types.WorkerDescriptor{})
	// a live pid does not save a local task
	localTask := v.dispatched(t, types.StatusRunning, local(strconv.Itoa(os.Getpid())))

	activeEntry, err := v.pool.Submit(ctx, 100)
	require.NoError(t, err)
	remoteActive := v.dispatched(t, types.StatusQueued, types.WorkerDescriptor{Environment: types.EnvironmentRemote, WorkerID: activeEntry})

	staleEntry, err := v.pool.Submit(ctx, 101)
	require.NoError(t, err)
	require.NoError(t, v.pool.Finish(ctx, staleEntry))
	remoteStale := v.dispatched(t, types.StatusRunning, types.WorkerDescriptor{Environment: types.EnvironmentRemote, WorkerID: staleEntry})

	aborted, err := NewRecovery(v.store, v.pool, nil).Run(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{localTask.ID, remoteStale.ID}, aborted)

	assert.Equal(t, types.StatusCreated, v.status(t, created.ID))
	assert.Equal(t, types.StatusAborted, v.status(t, localTask.ID))
	assert.Equal(t, types.StatusQueued, v.status(t, remoteActive.ID))
	assert.Equal(t, types.StatusAborted, v.status(t, remoteStale.ID))

	concerns, err := v.store.ListTaskConcerns(localTask.ID)
	require.NoError(t, err)
	assert.Empty(t, concerns)

	// a second pass finds nothing to do
	aborted, err = NewRecovery(v.store, v.pool, nil).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, aborted)
}
