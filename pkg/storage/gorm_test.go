package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/storage/storagetest"
	"github.com/cuemby/foreman/pkg/types"
)

func newTask(t *testing.T, store storage.Store, target types.ObjectRef) *types.Task {
	t.Helper()
	task := &types.Task{
		ActionID:   1,
		Target:     target,
		Owner:      target,
		Config:     map[string]any{"workers": 3},
		IsBlocking: true,
	}
	require.NoError(t, store.CreateTask(task))
	return task
}

func TestTaskLifecycleTimestamps(t *testing.T) {
	store := storagetest.New(t)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return clock })

	task := newTask(t, store, types.Ref(types.ObjectCluster, 42))
	assert.NotZero(t, task.ID)
	assert.Equal(t, types.StatusCreated, task.Status)

	got, err := store.UpdateTask(task.ID, storage.StatusPatch(types.StatusScheduled))
	require.NoError(t, err)
	assert.True(t, got.StartTime.IsZero())

	got, err = store.UpdateTask(task.ID, storage.StatusPatch(types.StatusRunning))
	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(clock))
	assert.True(t, got.FinishTime.IsZero())

	clock = clock.Add(time.Minute)
	got, err = store.UpdateTask(task.ID, storage.StatusPatch(types.StatusSuccess))
	require.NoError(t, err)
	assert.True(t, got.FinishTime.Equal(clock))

	reloaded, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, reloaded.Status)
	assert.True(t, reloaded.StartTime.Equal(clock.Add(-time.Minute)))
	assert.True(t, reloaded.FinishTime.Equal(clock))
	assert.EqualValues(t, 3, reloaded.Config["workers"])

	// terminal statuses are final
	_, err = store.UpdateTask(task.ID, storage.StatusPatch(types.StatusFailed))
	assert.True(t, errors.Is(err, storage.ErrInvalidTransition))
}

func TestUpdateTaskWorkerAndLock(t *testing.T) {
	store := storagetest.New(t)
	task := newTask(t, store, types.Ref(types.ObjectCluster, 42))

	lock := uint64(9)
	worker := types.WorkerDescriptor{Environment: types.EnvironmentLocal, WorkerID: "4242"}
	_, err := store.UpdateTask(task.ID, storage.TaskPatch{Worker: &worker, LockID: &lock})
	require.NoError(t, err)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, worker, got.Worker)
	assert.Equal(t, uint64(9), got.LockID)
	assert.Equal(t, types.StatusCreated, got.Status)
}

func TestReopenTaskKeepsStartTime(t *testing.T) {
	store := storagetest.New(t)
	task := newTask(t, store, types.Ref(types.ObjectCluster, 42))

	_, err := store.UpdateTask(task.ID, storage.StatusPatch(types.StatusRunning))
	require.NoError(t, err)
	failed, err := store.UpdateTask(task.ID, storage.StatusPatch(types.StatusFailed))
	require.NoError(t, err)

	reopened, err := store.ReopenTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, reopened.Status)
	assert.True(t, reopened.FinishTime.IsZero())
	assert.True(t, reopened.StartTime.Equal(failed.StartTime))

	_, err = store.ReopenTask(task.ID)
	assert.True(t, errors.Is(err, storage.ErrInvalidTransition))
}

func TestCreateJobsPreservesOrder(t *testing.T) {
	store := storagetest.New(t)
	task := newTask(t, store, types.Ref(types.ObjectCluster, 42))

	var jobs []*types.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, &types.Job{
			Name:       fmt.Sprintf("job-%d", i),
			ScriptType: types.ScriptAnsible,
			Script:     fmt.Sprintf("step%d.yaml", i),
			OnFail:     types.StateDelta{State: "failed"},
		})
	}
	require.NoError(t, store.CreateJobs(task.ID, jobs))

	got, err := store.GetTaskJobs(task.ID)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, job := range got {
		assert.Equal(t, fmt.Sprintf("job-%d", i), job.Name)
		assert.Equal(t, i, job.Seq)
		assert.Equal(t, types.StatusCreated, job.Status)
		assert.Equal(t, "failed", job.OnFail.State)
		if i > 0 {
			assert.Greater(t, job.ID, got[i-1].ID)
		}
	}
}

func TestJobPatchAndReset(t *testing.T) {
	store := storagetest.New(t)
	task := newTask(t, store, types.Ref(types.ObjectCluster, 42))
	jobs := []*types.Job{{Name: "only", ScriptType: types.ScriptInternal, Script: "noop"}}
	require.NoError(t, store.CreateJobs(task.ID, jobs))

	pid := 1234
	running := types.StatusRunning
	job, err := store.UpdateJob(jobs[0].ID, storage.JobPatch{Status: &running, PID: &pid})
	require.NoError(t, err)
	assert.Equal(t, 1234, job.PID)
	assert.False(t, job.StartTime.IsZero())

	unfinished, err := store.RetrieveUnfinishedTaskJobs(task.ID)
	require.NoError(t, err)
	assert.Len(t, unfinished, 1)

	job, err = store.UpdateJob(jobs[0].ID, storage.JobStatusPatch(types.StatusBroken))
	require.NoError(t, err)
	assert.False(t, job.FinishTime.IsZero())

	unfinished, err = store.RetrieveUnfinishedTaskJobs(task.ID)
	require.NoError(t, err)
	assert.Empty(t, unfinished)

	job, err = store.ResetJob(jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, job.Status)
	assert.Zero(t, job.PID)
	assert.True(t, job.StartTime.IsZero())
	assert.True(t, job.FinishTime.IsZero())
}

func TestJobPIDPersisted(t *testing.T) {
	store := storagetest.New(t)
	task := newTask(t, store, types.Ref(types.ObjectCluster, 42))
	jobs := []*types.Job{{Name: "only", ScriptType: types.ScriptPython, Script: "run.py"}}
	require.NoError(t, store.CreateJobs(task.ID, jobs))

	pid := 4242
	_, err := store.UpdateJob(jobs[0].ID, storage.JobPatch{PID: &pid})
	require.NoError(t, err)

	reloaded, err := store.GetJob(jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 4242, reloaded.PID)
	assert.Equal(t, types.StatusCreated, reloaded.Status)
}

func TestNotFound(t *testing.T) {
	store := storagetest.New(t)

	_, err := store.GetTask(404)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = store.GetJob(404)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = store.GetAction(404)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = store.GetObject(types.Ref(types.ObjectHost, 404))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestListTasksFilters(t *testing.T) {
	store := storagetest.New(t)
	c := types.Ref(types.ObjectCluster, 42)
	h := types.Ref(types.ObjectHost, 1)
	first := newTask(t, store, c)
	second := newTask(t, store, h)
	third := newTask(t, store, c)
	_, err := store.UpdateTask(second.ID, storage.StatusPatch(types.StatusRunning))
	require.NoError(t, err)

	created, err := store.ListTasks(storage.TaskFilter{Statuses: []types.Status{types.StatusCreated}})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, first.ID, created[0].ID)
	assert.Equal(t, third.ID, created[1].ID)

	onHost, err := store.ListTasks(storage.TaskFilter{Target: &h})
	require.NoError(t, err)
	require.Len(t, onHost, 1)
	assert.Equal(t, second.ID, onHost[0].ID)

	running, err := store.RetrieveRunningTasks()
	require.NoError(t, err)
	assert.Len(t, running, 1)

	unfinished, err := store.RetrieveUnfinishedTasks()
	require.NoError(t, err)
	assert.Len(t, unfinished, 3)
}

func TestObjectStateAndMultiState(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)

	require.NoError(t, store.UpdateObjectState(e.Cluster, "installed"))
	require.NoError(t, store.UpdateObjectMultiState(e.Cluster, []string{"upgraded", "checked"}, nil))
	require.NoError(t, store.UpdateObjectMultiState(e.Cluster, []string{"checked"}, []string{"upgraded"}))
	require.NoError(t, store.SetMaintenanceMode(e.Hosts[0], types.MaintenanceChanging))

	cluster, err := store.GetObject(e.Cluster)
	require.NoError(t, err)
	assert.Equal(t, "installed", cluster.State)
	assert.Equal(t, []string{"checked"}, cluster.MultiState)
	assert.Equal(t, types.MaintenanceOff, cluster.MaintenanceMode)

	host, err := store.GetObject(e.Hosts[0])
	require.NoError(t, err)
	assert.Equal(t, types.MaintenanceChanging, host.MaintenanceMode)
	assert.Equal(t, e.Provider.ID, host.ProviderID)

	services, err := store.ListServices(42)
	require.NoError(t, err)
	assert.Len(t, services, 2)
	components, err := store.ListComponents(42, e.Services[0].ID)
	require.NoError(t, err)
	assert.Len(t, components, 2)
	hosts, err := store.ListHosts(storage.HostFilter{ClusterID: 42})
	require.NoError(t, err)
	assert.Len(t, hosts, 2)
	hosts, err = store.ListHosts(storage.HostFilter{ProviderID: e.Provider.ID})
	require.NoError(t, err)
	assert.Len(t, hosts, 3)
}

func TestHostComponentsInTransaction(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)
	ctx := context.Background()

	err := store.Update(ctx, func(tx storage.Tx) error {
		current, err := tx.LockHostComponents(42)
		if err != nil {
			return err
		}
		assert.Len(t, current, len(e.Mapping))
		return tx.SetHostComponents(42, current[:1])
	})
	require.NoError(t, err)

	got, err := store.GetHostComponents(42)
	require.NoError(t, err)
	assert.Equal(t, e.Mapping[:1], got)

	// a failing transaction leaves the mapping untouched
	boom := errors.New("boom")
	err = store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.SetHostComponents(42, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = store.GetHostComponents(42)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConcernLinks(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)

	c := &types.Concern{Type: types.ConcernLock, Owner: e.Cluster, TaskID: 7, Cause: types.CauseJob, Blocking: true, Reason: "install"}
	require.NoError(t, store.CreateConcern(c))
	require.NoError(t, store.LinkConcern(c.ID, []types.ObjectRef{e.Cluster, e.Hosts[0]}))
	// linking twice is a no-op
	require.NoError(t, store.LinkConcern(c.ID, []types.ObjectRef{e.Hosts[0]}))

	links, err := store.ConcernLinks(c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ObjectRef{e.Cluster, e.Hosts[0]}, links)

	onHost, err := store.ObjectConcerns(e.Hosts[0])
	require.NoError(t, err)
	require.Len(t, onHost, 1)
	assert.Equal(t, c.ID, onHost[0].ID)
	assert.True(t, onHost[0].Blocking)

	byTask, err := store.ListTaskConcerns(7)
	require.NoError(t, err)
	assert.Len(t, byTask, 1)

	require.NoError(t, store.UnlinkConcern(c.ID, []types.ObjectRef{e.Hosts[0]}))
	onHost, err = store.ObjectConcerns(e.Hosts[0])
	require.NoError(t, err)
	assert.Empty(t, onHost)

	require.NoError(t, store.DeleteConcern(c.ID))
	links, err = store.ConcernLinks(c.ID)
	require.NoError(t, err)
	assert.Empty(t, links)
	_, err = store.GetConcern(c.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestActionRoundTrip(t *testing.T) {
	store := storagetest.New(t)
	action := &types.Action{
		Name:        "install",
		PrototypeID: 1,
		ScriptType:  types.ScriptAnsible,
		OnSuccess:   types.StateDelta{State: "installed"},
		SubActions: []types.JobSpec{
			{Name: "prepare", Script: "prepare.yaml", OnFail: types.StateDelta{State: "failed"}},
			{Name: "finalize", Script: "finalize.yaml"},
		},
		Config: []types.ParamSpec{{Name: "workers", Type: types.ParamInteger, Default: 1}},
	}
	require.NoError(t, store.CreateAction(action))

	got, err := store.GetAction(action.ID)
	require.NoError(t, err)
	assert.Equal(t, action.ID, got.ID)
	assert.Equal(t, "installed", got.OnSuccess.State)
	require.Len(t, got.JobSpecs(), 2)
	assert.Equal(t, "failed", got.JobSpecs()[0].OnFail.State)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, storage.IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, storage.IsTransient(errors.New("Error 1213 (40001): Deadlock found when trying to get lock")))
	assert.True(t, storage.IsTransient(errors.New("ERROR: could not serialize access (SQLSTATE 40001)")))
	assert.False(t, storage.IsTransient(errors.New("record not found")))
	assert.False(t, storage.IsTransient(nil))
}
