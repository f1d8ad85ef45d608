package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/foreman/pkg/security"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

const unsafeKey = "__ansible_unsafe"

type workDirBuilder struct{ dir string }

func (workDirBuilder) Name() string { return "work directory" }

func (b workDirBuilder) Build(context.Context) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", b.dir, err)
	}
	return nil
}

type bundleCheck struct{ path string }

func (bundleCheck) Name() string { return "bundle check" }

func (b bundleCheck) Build(context.Context) error {
	info, err := os.Stat(b.path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBundleMissing, b.path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrBundleMissing, b.path)
	}
	return nil
}

type configBuilder struct {
	path    string
	scope   JobScope
	factory *Factory
}

func (configBuilder) Name() string { return "config.json" }

func (b configBuilder) Build(context.Context) error {
	doc, err := b.factory.renderConfig(b.scope)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(filepath.Dir(b.path), "tmp"), 0o755); err != nil {
		return fmt.Errorf("failed to create tmp dir: %w", err)
	}
	return writeJSON(b.path, doc)
}

// renderConfig builds the document passed to the job as extra vars
func (f *Factory) renderConfig(scope JobScope) (map[string]any, error) {
	config, err := resolveConfig(scope.Action.Config, scope.Task.Config, f.secrets)
	if err != nil {
		return nil, err
	}
	work := f.WorkDir(scope.Job.ID)

	job := map[string]any{
		"id":          scope.Job.ID,
		"task_id":     scope.Task.ID,
		"action":      scope.Action.Name,
		"job_name":    scope.Job.Name,
		"script":      scope.Job.Script,
		"script_type": scope.Job.ScriptType,
		"verbose":     scope.Task.Verbose,
		"params":      scope.Job.Params,
		"config":      config,
	}
	if scope.Task.HostComponent.Change {
		job["hostcomponent"] = scope.Task.HostComponent.Desired
	}

	return map[string]any{
		"env": map[string]any{
			"run_dir":   f.cfg.RunDir,
			"log_dir":   work,
			"tmp_dir":   filepath.Join(work, "tmp"),
			"stack_dir": filepath.Join(f.bundleRoot(scope), scope.Prototype.Path),
		},
		"job": job,
		"context": map[string]any{
			"type":  scope.Target.Ref.Type,
			"id":    scope.Target.Ref.ID,
			"owner": scope.Task.Owner,
		},
		string(scope.Target.Ref.Type): objectVars(scope.Target),
	}, nil
}

// resolveConfig decrypts secret values and wraps unsafe ones. Keys the
// action does not declare pass through unchanged.
func resolveConfig(specs []types.ParamSpec, values map[string]any, secrets *security.SecretsManager) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, spec := range specs {
		v, ok := out[spec.Name]
		if !ok || v == nil {
			continue
		}
		if spec.Type.IsSecret() {
			if s, isStr := v.(string); isStr && security.IsEncrypted(s) {
				if secrets == nil {
					return nil, fmt.Errorf("config %q is encrypted but no secret key is loaded", spec.Name)
				}
				plain, err := secrets.DecryptString(s)
				if err != nil {
					return nil, fmt.Errorf("failed to decrypt config %q: %w", spec.Name, err)
				}
				v = plain
			}
		}
		if spec.Unsafe {
			v = wrapUnsafe(v)
		}
		out[spec.Name] = v
	}
	return out, nil
}

func wrapUnsafe(v any) any {
	switch val := v.(type) {
	case string:
		return map[string]any{unsafeKey: val}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = wrapUnsafe(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = wrapUnsafe(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = wrapUnsafe(item)
		}
		return out
	default:
		return v
	}
}

func objectVars(o *types.Object) map[string]any {
	return map[string]any{
		"id":               o.Ref.ID,
		"name":             o.Name,
		"state":            o.State,
		"multi_state":      o.MultiState,
		"maintenance_mode": o.MaintenanceMode,
	}
}

type inventoryBuilder struct {
	path  string
	scope JobScope
	store storage.Tx
}

func (inventoryBuilder) Name() string { return "inventory.json" }

func (b inventoryBuilder) Build(context.Context) error {
	inv, err := buildInventory(b.store, b.scope)
	if err != nil {
		return err
	}
	return writeJSON(b.path, inv)
}

type inventory struct {
	groups map[string]map[string]any
	hosts  map[uint64]*types.Object
}

func (inv *inventory) add(group string, h *types.Object) {
	if h.MaintenanceMode == types.MaintenanceOn {
		group += ".maintenance_mode"
	}
	if inv.groups[group] == nil {
		inv.groups[group] = map[string]any{}
	}
	inv.groups[group][h.Name] = map[string]any{
		"host_id":     h.Ref.ID,
		"state":       h.State,
		"multi_state": h.MultiState,
	}
}

func (inv *inventory) host(tx storage.Tx, id uint64) (*types.Object, error) {
	if h, ok := inv.hosts[id]; ok {
		return h, nil
	}
	h, err := tx.GetObject(types.Ref(types.ObjectHost, id))
	if err != nil {
		return nil, err
	}
	inv.hosts[id] = h
	return h, nil
}

// buildInventory groups hosts the ansible way:
//
//	CLUSTER                    every host of the cluster
//	<service>                  hosts running a component of the service
//	<service>.<component>      hosts running the component
//	<service>.<component>.add  hosts gaining the component (mapping change)
//	<service>.<component>.remove
//	HOST / PROVIDER            the target host, or the provider's hosts
//
// Hosts in maintenance mode land in "<group>.maintenance_mode" instead.
func buildInventory(tx storage.Tx, scope JobScope) (map[string]any, error) {
	inv := &inventory{groups: map[string]map[string]any{}, hosts: map[uint64]*types.Object{}}
	target := scope.Target

	clusterID := target.ClusterID
	if target.Ref.Type == types.ObjectCluster {
		clusterID = target.Ref.ID
	}

	if clusterID != 0 {
		hosts, err := tx.ListHosts(storage.HostFilter{ClusterID: clusterID})
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			inv.hosts[h.Ref.ID] = h
			inv.add("CLUSTER", h)
		}

		names := map[types.ObjectRef]string{}
		name := func(ref types.ObjectRef) (string, error) {
			if n, ok := names[ref]; ok {
				return n, nil
			}
			o, err := tx.GetObject(ref)
			if err != nil {
				return "", err
			}
			names[ref] = o.Name
			return o.Name, nil
		}
		group := func(hc types.HostComponent) (string, string, error) {
			svc, err := name(types.Ref(types.ObjectService, hc.ServiceID))
			if err != nil {
				return "", "", err
			}
			comp, err := name(types.Ref(types.ObjectComponent, hc.ComponentID))
			if err != nil {
				return "", "", err
			}
			return svc, svc + "." + comp, nil
		}

		mapping, err := tx.GetHostComponents(clusterID)
		if err != nil {
			return nil, err
		}
		for _, hc := range mapping {
			svc, comp, err := group(hc)
			if err != nil {
				return nil, err
			}
			h, err := inv.host(tx, hc.HostID)
			if err != nil {
				return nil, err
			}
			inv.add(svc, h)
			inv.add(comp, h)
		}

		if scope.Task.HostComponent.Change {
			added, removed := diffMapping(scope.Task.HostComponent.Snapshot, scope.Task.HostComponent.Desired)
			for suffix, entries := range map[string][]types.HostComponent{".add": added, ".remove": removed} {
				for _, hc := range entries {
					_, comp, err := group(hc)
					if err != nil {
						return nil, err
					}
					h, err := inv.host(tx, hc.HostID)
					if err != nil {
						return nil, err
					}
					inv.add(comp+suffix, h)
				}
			}
		}
	}

	switch target.Ref.Type {
	case types.ObjectHost:
		inv.add("HOST", target)
	case types.ObjectProvider:
		hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: target.Ref.ID})
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			inv.add("PROVIDER", h)
		}
	}

	children := map[string]any{}
	names := make([]string, 0, len(inv.groups))
	for g := range inv.groups {
		names = append(names, g)
	}
	sort.Strings(names)
	for _, g := range names {
		children[g] = map[string]any{"hosts": inv.groups[g]}
	}
	return map[string]any{
		"all": map[string]any{
			"children": children,
			"vars": map[string]any{
				string(target.Ref.Type): objectVars(target),
			},
		},
	}, nil
}

func diffMapping(before, after []types.HostComponent) (added, removed []types.HostComponent) {
	in := func(set []types.HostComponent, hc types.HostComponent) bool {
		for _, e := range set {
			if e.HostID == hc.HostID && e.ComponentID == hc.ComponentID {
				return true
			}
		}
		return false
	}
	for _, hc := range after {
		if !in(before, hc) {
			added = append(added, hc)
		}
	}
	for _, hc := range before {
		if !in(after, hc) {
			removed = append(removed, hc)
		}
	}
	return added, removed
}

const defaultAnsibleCfg = `[defaults]
stdout_callback = yaml
deprecation_warnings = False
host_key_checking = False
retry_files_enabled = False

[ssh_connection]
pipelining = True
`

type ansibleCfgBuilder struct{ path string }

func (ansibleCfgBuilder) Name() string { return "ansible.cfg" }

func (b ansibleCfgBuilder) Build(context.Context) error {
	if err := os.WriteFile(b.path, []byte(defaultAnsibleCfg), 0o644); err != nil {
		return fmt.Errorf("failed to write ansible.cfg: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
