package concern

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/storage/storagetest"
	"github.com/cuemby/foreman/pkg/types"
)

func refs(groups ...[]types.ObjectRef) []types.ObjectRef {
	var out []types.ObjectRef
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func TestHierarchyRules(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)

	tests := []struct {
		name  string
		owner types.ObjectRef
		want  []types.ObjectRef
	}{
		{
			name:  "cluster",
			owner: e.Cluster,
			want:  refs([]types.ObjectRef{e.Cluster}, e.Services, e.Components, e.Hosts[:2]),
		},
		{
			name:  "service",
			owner: e.Services[0],
			want:  refs([]types.ObjectRef{e.Cluster, e.Services[0]}, e.Components[:2], e.Hosts[:2]),
		},
		{
			name:  "component",
			owner: e.Components[2],
			want:  []types.ObjectRef{e.Cluster, e.Services[1], e.Components[2], e.Hosts[1]},
		},
		{
			name:  "provider",
			owner: e.Provider,
			want:  refs([]types.ObjectRef{e.Provider}, e.Hosts),
		},
		{
			name:  "mapped host",
			owner: e.Hosts[0],
			want:  []types.ObjectRef{e.Hosts[0], e.Provider, e.Cluster, e.Services[0], e.Components[0], e.Components[1]},
		},
		{
			name:  "host outside cluster",
			owner: e.Hosts[2],
			want:  []types.ObjectRef{e.Hosts[2], e.Provider},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Hierarchy(store, tt.owner)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestHierarchyUnknownOwner(t *testing.T) {
	store := storagetest.New(t)
	_, err := Hierarchy(store, types.Ref(types.ObjectCluster, 999))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = Hierarchy(store, types.Ref("bundle", 1))
	assert.Error(t, err)
}

func TestAttachAndReleaseTask(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)
	ctx := context.Background()

	task := &types.Task{ActionID: 1, Target: e.Cluster, Owner: e.Cluster, IsBlocking: true}
	require.NoError(t, store.CreateTask(task))

	var lock *types.Concern
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		var err error
		lock, err = AttachTask(tx, task, "install")
		return err
	}))
	assert.Equal(t, types.ConcernLock, lock.Type)
	assert.True(t, lock.Blocking)

	stored, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, lock.ID, stored.LockID)

	locks, err := BlockingLocks(store, e.Hosts[1])
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, task.ID, locks[0].TaskID)

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return ReleaseTask(tx, task.ID)
	}))
	for _, ref := range refs([]types.ObjectRef{e.Cluster}, e.Services, e.Components, e.Hosts) {
		linked, err := store.ObjectConcerns(ref)
		require.NoError(t, err)
		assert.Empty(t, linked, ref.String())
	}
	stored, err = store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.LockID)
}

func TestNonBlockingTaskHoldsFlag(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)

	task := &types.Task{ActionID: 1, Target: e.Hosts[0], Owner: e.Components[0]}
	require.NoError(t, store.CreateTask(task))

	c, err := AttachTask(store, task, "check")
	require.NoError(t, err)
	assert.Equal(t, types.ConcernFlag, c.Type)
	assert.False(t, c.Blocking)

	stored, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.LockID)

	locks, err := BlockingLocks(store, e.Hosts[0])
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestReconcileClusterAfterMappingChange(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)
	ctx := context.Background()

	// lock on component 3, mapped to host 2 only
	lock := &types.Concern{Type: types.ConcernLock, Owner: e.Components[2], TaskID: 1, Cause: types.CauseJob, Blocking: true}
	require.NoError(t, store.CreateConcern(lock))
	require.NoError(t, Distribute(store, lock))
	// provider flag is independent of the mapping
	flag, err := RaiseFlag(store, e.Provider, "outdated")
	require.NoError(t, err)

	moved := append([]types.HostComponent{}, e.Mapping[:3]...)
	moved = append(moved, types.HostComponent{
		ClusterID: 42, ServiceID: e.Services[1].ID, ComponentID: e.Components[2].ID, HostID: e.Hosts[0].ID,
	})
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.SetHostComponents(42, moved); err != nil {
			return err
		}
		return ReconcileCluster(tx, 42)
	}))

	links, err := store.ConcernLinks(lock.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ObjectRef{e.Cluster, e.Services[1], e.Components[2], e.Hosts[0]}, links)

	flagLinks, err := store.ConcernLinks(flag.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, refs([]types.ObjectRef{e.Provider}, e.Hosts), flagLinks)
}

func TestRaiseAndClearFlag(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)

	first, err := RaiseFlag(store, e.Cluster, "config changed")
	require.NoError(t, err)
	again, err := RaiseFlag(store, e.Cluster, "config changed")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	_, err = RaiseFlag(store, e.Cluster, "restart required")
	require.NoError(t, err)

	removed, err := ClearFlag(store, e.Cluster, "config changed")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = ClearFlag(store, e.Cluster, "")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	linked, err := store.ObjectConcerns(e.Cluster)
	require.NoError(t, err)
	assert.Empty(t, linked)
}

func TestHasBlockingIssue(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)

	issue := &types.Concern{Type: types.ConcernIssue, Owner: e.Services[0], Cause: types.CauseConfig, Blocking: true}
	require.NoError(t, store.CreateConcern(issue))
	require.NoError(t, Distribute(store, issue))

	blocked, err := HasBlockingIssue(store, e.Cluster)
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = HasBlockingIssue(store, e.Hosts[2])
	require.NoError(t, err)
	assert.False(t, blocked)
}

// Distributing a concern and removing it restores every object's link set.
func TestDistributeRemoveRoundTrip(t *testing.T) {
	store := storagetest.New(t)
	e := storagetest.Seed(t, store)
	all := refs([]types.ObjectRef{e.Cluster, e.Provider}, e.Services, e.Components, e.Hosts)

	snapshot := func() map[types.ObjectRef][]uint64 {
		out := map[types.ObjectRef][]uint64{}
		for _, ref := range all {
			linked, err := store.ObjectConcerns(ref)
			require.NoError(t, err)
			for _, c := range linked {
				out[ref] = append(out[ref], c.ID)
			}
		}
		return out
	}

	rapid.Check(t, func(rt *rapid.T) {
		// some background concerns that must survive
		for _, owner := range rapid.SliceOfN(rapid.SampledFrom(all), 0, 3).Draw(rt, "background") {
			_, err := RaiseFlag(store, owner, "background")
			require.NoError(rt, err)
		}
		before := snapshot()

		owner := rapid.SampledFrom(all).Draw(rt, "owner")
		c := &types.Concern{Type: types.ConcernLock, Owner: owner, Blocking: true, Cause: types.CauseJob}
		require.NoError(rt, store.CreateConcern(c))
		require.NoError(rt, Distribute(store, c))

		links, err := store.ConcernLinks(c.ID)
		require.NoError(rt, err)
		want, err := Hierarchy(store, owner)
		require.NoError(rt, err)
		assert.ElementsMatch(rt, want, links)

		require.NoError(rt, Remove(store, c.ID))
		assert.Equal(rt, before, snapshot())
	})
}
