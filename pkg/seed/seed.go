// Package seed loads prototypes, actions, managed objects and host-component
// mappings from a YAML fixture file.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Fixtures is the document layout. Ids are kept when given so that actions,
// objects and mapping entries can reference each other.
//
//	prototypes:
//	  - {id: 1, type: cluster, name: hadoop, version: "3.3", bundle_hash: abc}
//	actions:
//	  - {id: 10, prototype_id: 1, name: install, script_type: ansible, script: install.yaml}
//	objects:
//	  - {ref: {type: cluster, id: 1}, name: prod, prototype_id: 1}
//	hostcomponent:
//	  - {cluster_id: 1, service_id: 2, component_id: 3, host_id: 4}
type Fixtures struct {
	Prototypes    []types.Prototype     `yaml:"prototypes"`
	Actions       []types.Action        `yaml:"actions"`
	Objects       []types.Object        `yaml:"objects"`
	HostComponent []types.HostComponent `yaml:"hostcomponent"`
}

// Summary counts what was created
type Summary struct {
	Prototypes int
	Actions    int
	Objects    int
	Clusters   int
}

// Parse decodes a fixture document
func Parse(r io.Reader) (*Fixtures, error) {
	var f Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	return &f, nil
}

// LoadFile parses path and applies it to store
func LoadFile(ctx context.Context, store storage.Store, path string) (*Summary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixtures: %w", err)
	}
	defer file.Close()

	f, err := Parse(file)
	if err != nil {
		return nil, err
	}
	return Apply(ctx, store, f)
}

// Apply creates every fixture in one transaction. Mapping entries replace
// the current mapping of each cluster they mention.
func Apply(ctx context.Context, store storage.Store, f *Fixtures) (*Summary, error) {
	var sum Summary
	err := store.Update(ctx, func(tx storage.Tx) error {
		sum = Summary{}
		for i := range f.Prototypes {
			proto := f.Prototypes[i]
			if !proto.Type.Valid() {
				return fmt.Errorf("prototype %q: unknown type %q", proto.Name, proto.Type)
			}
			if err := tx.CreatePrototype(&proto); err != nil {
				return err
			}
			sum.Prototypes++
		}
		for i := range f.Actions {
			action := f.Actions[i]
			if err := tx.CreateAction(&action); err != nil {
				return fmt.Errorf("action %q: %w", action.Name, err)
			}
			sum.Actions++
		}
		for i := range f.Objects {
			obj := f.Objects[i]
			if obj.State == "" {
				obj.State = "created"
			}
			if err := tx.CreateObject(&obj); err != nil {
				return fmt.Errorf("object %q: %w", obj.Name, err)
			}
			sum.Objects++
		}

		byCluster := map[uint64][]types.HostComponent{}
		var order []uint64
		for _, hc := range f.HostComponent {
			if _, ok := byCluster[hc.ClusterID]; !ok {
				order = append(order, hc.ClusterID)
			}
			byCluster[hc.ClusterID] = append(byCluster[hc.ClusterID], hc)
		}
		for _, clusterID := range order {
			if err := tx.SetHostComponents(clusterID, byCluster[clusterID]); err != nil {
				return fmt.Errorf("mapping of cluster %d: %w", clusterID, err)
			}
			sum.Clusters++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seed fixtures: %w", err)
	}
	return &sum, nil
}
