package concern

import (
	"fmt"
	"sort"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Hierarchy returns the objects affected by a concern rooted at owner:
//
//	cluster   → cluster, its services, its components, its mapped hosts
//	service   → cluster, service, its components, its mapped hosts
//	component → cluster, parent service, component, its mapped hosts
//	provider  → provider, its hosts
//	host      → host, its provider, its cluster, mapped services and components
//
// The rule for the owner's type is applied once; produced objects are not
// expanded further. The result is sorted and free of duplicates.
func Hierarchy(tx storage.Tx, owner types.ObjectRef) ([]types.ObjectRef, error) {
	set := refSet{}

	switch owner.Type {
	case types.ObjectCluster:
		if err := clusterHierarchy(tx, owner.ID, set); err != nil {
			return nil, err
		}
	case types.ObjectService:
		if err := serviceHierarchy(tx, owner, set); err != nil {
			return nil, err
		}
	case types.ObjectComponent:
		if err := componentHierarchy(tx, owner, set); err != nil {
			return nil, err
		}
	case types.ObjectProvider:
		if err := providerHierarchy(tx, owner, set); err != nil {
			return nil, err
		}
	case types.ObjectHost:
		if err := hostHierarchy(tx, owner, set); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown concern owner type %q", owner.Type)
	}

	return set.sorted(), nil
}

func clusterHierarchy(tx storage.Tx, clusterID uint64, set refSet) error {
	if _, err := tx.GetObject(types.Ref(types.ObjectCluster, clusterID)); err != nil {
		return err
	}
	set.add(types.Ref(types.ObjectCluster, clusterID))

	services, err := tx.ListServices(clusterID)
	if err != nil {
		return err
	}
	for _, s := range services {
		set.add(s.Ref)
	}
	components, err := tx.ListComponents(clusterID, 0)
	if err != nil {
		return err
	}
	for _, c := range components {
		set.add(c.Ref)
	}

	mapping, err := tx.GetHostComponents(clusterID)
	if err != nil {
		return err
	}
	for _, hc := range mapping {
		set.add(types.Ref(types.ObjectHost, hc.HostID))
	}
	return nil
}

func serviceHierarchy(tx storage.Tx, ref types.ObjectRef, set refSet) error {
	service, err := tx.GetObject(ref)
	if err != nil {
		return err
	}
	set.add(types.Ref(types.ObjectCluster, service.ClusterID))
	set.add(ref)

	components, err := tx.ListComponents(service.ClusterID, service.Ref.ID)
	if err != nil {
		return err
	}
	for _, c := range components {
		set.add(c.Ref)
	}

	mapping, err := tx.GetHostComponents(service.ClusterID)
	if err != nil {
		return err
	}
	for _, hc := range mapping {
		if hc.ServiceID == service.Ref.ID {
			set.add(types.Ref(types.ObjectHost, hc.HostID))
		}
	}
	return nil
}

func componentHierarchy(tx storage.Tx, ref types.ObjectRef, set refSet) error {
	component, err := tx.GetObject(ref)
	if err != nil {
		return err
	}
	set.add(types.Ref(types.ObjectCluster, component.ClusterID))
	set.add(types.Ref(types.ObjectService, component.ServiceID))
	set.add(ref)

	mapping, err := tx.GetHostComponents(component.ClusterID)
	if err != nil {
		return err
	}
	for _, hc := range mapping {
		if hc.ComponentID == component.Ref.ID {
			set.add(types.Ref(types.ObjectHost, hc.HostID))
		}
	}
	return nil
}

func providerHierarchy(tx storage.Tx, ref types.ObjectRef, set refSet) error {
	if _, err := tx.GetObject(ref); err != nil {
		return err
	}
	set.add(ref)

	hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: ref.ID})
	if err != nil {
		return err
	}
	for _, h := range hosts {
		set.add(h.Ref)
	}
	return nil
}

func hostHierarchy(tx storage.Tx, ref types.ObjectRef, set refSet) error {
	host, err := tx.GetObject(ref)
	if err != nil {
		return err
	}
	set.add(ref)
	if host.ProviderID != 0 {
		set.add(types.Ref(types.ObjectProvider, host.ProviderID))
	}
	if host.ClusterID == 0 {
		return nil
	}
	set.add(types.Ref(types.ObjectCluster, host.ClusterID))

	mapping, err := tx.GetHostComponents(host.ClusterID)
	if err != nil {
		return err
	}
	for _, hc := range mapping {
		if hc.HostID == host.Ref.ID {
			set.add(types.Ref(types.ObjectService, hc.ServiceID))
			set.add(types.Ref(types.ObjectComponent, hc.ComponentID))
		}
	}
	return nil
}

type refSet map[types.ObjectRef]struct{}

func (s refSet) add(ref types.ObjectRef) {
	if ref.ID == 0 {
		return
	}
	s[ref] = struct{}{}
}

func (s refSet) sorted() []types.ObjectRef {
	out := make([]types.ObjectRef, 0, len(s))
	for ref := range s {
		out = append(out, ref)
	}
	sortRefs(out)
	return out
}

func sortRefs(refs []types.ObjectRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
}
