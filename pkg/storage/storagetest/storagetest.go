// Package storagetest provides a throwaway sqlite repository and a small
// managed estate for package tests.
package storagetest

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// New opens a fresh sqlite store in a temp directory
func New(t testing.TB) *storage.GormStore {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "foreman.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Estate is the seeded topology:
//
//	cluster 42
//	  service 1 (components 1, 2)
//	  service 2 (component 3)
//	provider 1: hosts 1, 2, 3 (host 3 is not in the cluster)
//	mapping: component 1 on hosts 1 and 2, component 2 on host 1,
//	         component 3 on host 2
type Estate struct {
	ClusterProto   *types.Prototype
	ServiceProto   *types.Prototype
	ComponentProto *types.Prototype
	HostProto      *types.Prototype

	Cluster    types.ObjectRef
	Services   []types.ObjectRef
	Components []types.ObjectRef
	Provider   types.ObjectRef
	Hosts      []types.ObjectRef
	Mapping    []types.HostComponent
}

// Seed creates the Estate in store
func Seed(t testing.TB, store storage.Store) *Estate {
	t.Helper()
	e := &Estate{}

	proto := func(kind types.ObjectType, name string) *types.Prototype {
		p := &types.Prototype{Type: kind, Name: name, Version: "1.0", BundleHash: "bundle-1", Path: ""}
		require.NoError(t, store.CreatePrototype(p))
		return p
	}
	e.ClusterProto = proto(types.ObjectCluster, "cluster")
	e.ServiceProto = proto(types.ObjectService, "hdfs")
	e.ComponentProto = proto(types.ObjectComponent, "datanode")
	e.HostProto = proto(types.ObjectHost, "host")
	providerProto := proto(types.ObjectProvider, "ssh")

	create := func(obj *types.Object) types.ObjectRef {
		if obj.State == "" {
			obj.State = "created"
		}
		require.NoError(t, store.CreateObject(obj))
		return obj.Ref
	}

	e.Cluster = create(&types.Object{Ref: types.Ref(types.ObjectCluster, 42), Name: "prod", PrototypeID: e.ClusterProto.ID})
	for i := 1; i <= 2; i++ {
		e.Services = append(e.Services, create(&types.Object{
			Ref: types.Ref(types.ObjectService, 0), Name: fmt.Sprintf("svc%d", i), PrototypeID: e.ServiceProto.ID, ClusterID: 42,
		}))
	}
	componentServices := []types.ObjectRef{e.Services[0], e.Services[0], e.Services[1]}
	for i, svc := range componentServices {
		e.Components = append(e.Components, create(&types.Object{
			Ref: types.Ref(types.ObjectComponent, 0), Name: fmt.Sprintf("cmp%d", i+1), PrototypeID: e.ComponentProto.ID,
			ClusterID: 42, ServiceID: svc.ID,
		}))
	}
	e.Provider = create(&types.Object{Ref: types.Ref(types.ObjectProvider, 0), Name: "ssh", PrototypeID: providerProto.ID})
	for i := 1; i <= 3; i++ {
		var cluster uint64
		if i < 3 {
			cluster = 42
		}
		e.Hosts = append(e.Hosts, create(&types.Object{
			Ref: types.Ref(types.ObjectHost, 0), Name: fmt.Sprintf("host%d", i), PrototypeID: e.HostProto.ID,
			ProviderID: e.Provider.ID, ClusterID: cluster,
		}))
	}

	entry := func(cmp, host int) types.HostComponent {
		return types.HostComponent{
			ClusterID:   42,
			ServiceID:   componentServices[cmp].ID,
			ComponentID: e.Components[cmp].ID,
			HostID:      e.Hosts[host].ID,
		}
	}
	e.Mapping = []types.HostComponent{entry(0, 0), entry(0, 1), entry(1, 0), entry(2, 1)}
	require.NoError(t, store.SetHostComponents(42, e.Mapping))
	return e
}
