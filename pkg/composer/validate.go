package composer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/cuemby/foreman/pkg/concern"
	"github.com/cuemby/foreman/pkg/security"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

func (c *Composer) validate(req Request) (*plan, error) {
	tx := storage.Tx(c.store)

	action, err := tx.GetAction(req.ActionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalid("action %d does not exist", req.ActionID)
	}
	if err != nil {
		return nil, err
	}
	specs := action.JobSpecs()
	if len(specs) == 0 {
		return nil, invalid("action %q declares no jobs", action.Name)
	}
	for _, s := range specs {
		switch s.ScriptType {
		case types.ScriptAnsible, types.ScriptPython, types.ScriptInternal:
		default:
			return nil, invalid("job %q of action %q has unknown script type %q", s.Name, action.Name, s.ScriptType)
		}
	}

	target, err := c.object(req.Target)
	if err != nil {
		return nil, err
	}
	owner := target
	if req.Owner != req.Target {
		if owner, err = c.object(req.Owner); err != nil {
			return nil, err
		}
	}
	if owner.PrototypeID != action.PrototypeID {
		return nil, invalid("action %q is not defined on %s", action.Name, owner.Ref)
	}
	if req.Owner != req.Target {
		if err := c.checkHostAction(action, target, owner); err != nil {
			return nil, err
		}
	}

	config, err := c.resolveConfig(action.Config, req.Config)
	if err != nil {
		return nil, err
	}

	clusterID := clusterOf(target)
	if action.HostComponentChange {
		if req.HostComponent == nil {
			return nil, invalid("action %q requires a host-component mapping", action.Name)
		}
		if clusterID == 0 {
			return nil, invalid("action %q changes the mapping but %s has no cluster", action.Name, target.Ref)
		}
		if err := c.checkMapping(clusterID, req.HostComponent); err != nil {
			return nil, err
		}
	} else if len(req.HostComponent) > 0 {
		return nil, invalid("action %q does not change the host-component mapping", action.Name)
	}

	blocked, err := concern.HasBlockingIssue(tx, target.Ref)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, invalid("%s has a blocking issue", target.Ref)
	}

	return &plan{
		action:    action,
		specs:     specs,
		target:    target,
		owner:     owner,
		config:    config,
		clusterID: clusterID,
	}, nil
}

func (c *Composer) object(ref types.ObjectRef) (*types.Object, error) {
	if !ref.Type.Valid() {
		return nil, invalid("unknown object type %q", ref.Type)
	}
	obj, err := c.store.GetObject(ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalid("%s does not exist", ref)
	}
	return obj, err
}

func clusterOf(obj *types.Object) uint64 {
	if obj.Ref.Type == types.ObjectCluster {
		return obj.Ref.ID
	}
	return obj.ClusterID
}

// checkHostAction allows target != owner only for host actions run on a
// host that belongs to the owner.
func (c *Composer) checkHostAction(action *types.Action, host, owner *types.Object) error {
	if !action.HostAction {
		return invalid("action %q must run on its owner %s", action.Name, owner.Ref)
	}
	if host.Ref.Type != types.ObjectHost {
		return invalid("host action %q needs a host target, got %s", action.Name, host.Ref)
	}

	switch owner.Ref.Type {
	case types.ObjectCluster:
		if host.ClusterID == owner.Ref.ID {
			return nil
		}
	case types.ObjectService, types.ObjectComponent:
		mapping, err := c.store.GetHostComponents(owner.ClusterID)
		if err != nil {
			return err
		}
		for _, hc := range mapping {
			if hc.HostID != host.Ref.ID {
				continue
			}
			if owner.Ref.Type == types.ObjectService && hc.ServiceID == owner.Ref.ID {
				return nil
			}
			if owner.Ref.Type == types.ObjectComponent && hc.ComponentID == owner.Ref.ID {
				return nil
			}
		}
	case types.ObjectProvider:
		if host.ProviderID == owner.Ref.ID {
			return nil
		}
	}
	return invalid("%s is not mapped to %s", host.Ref, owner.Ref)
}

func (c *Composer) checkMapping(clusterID uint64, entries []types.HostComponent) error {
	seen := map[[2]uint64]bool{}
	for _, hc := range entries {
		if hc.ClusterID != clusterID {
			return invalid("mapping entry references cluster %d, expected %d", hc.ClusterID, clusterID)
		}
		key := [2]uint64{hc.HostID, hc.ComponentID}
		if seen[key] {
			return invalid("component %d is mapped twice to host %d", hc.ComponentID, hc.HostID)
		}
		seen[key] = true

		host, err := c.object(types.Ref(types.ObjectHost, hc.HostID))
		if err != nil {
			return err
		}
		if host.ClusterID != clusterID {
			return invalid("%s is not in cluster %d", host.Ref, clusterID)
		}
		comp, err := c.object(types.Ref(types.ObjectComponent, hc.ComponentID))
		if err != nil {
			return err
		}
		if comp.ClusterID != clusterID || comp.ServiceID != hc.ServiceID {
			return invalid("%s does not belong to service %d of cluster %d", comp.Ref, hc.ServiceID, clusterID)
		}
	}
	return nil
}

// resolveConfig fills defaults, rejects unknown or missing keys, checks
// scalar types and encrypts secret values that are still in clear text.
func (c *Composer) resolveConfig(specs []types.ParamSpec, in map[string]any) (map[string]any, error) {
	known := make(map[string]types.ParamSpec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}
	for k := range in {
		if _, ok := known[k]; !ok {
			return nil, invalid("unknown config key %q", k)
		}
	}

	out := make(map[string]any, len(specs))
	for _, s := range specs {
		v, ok := in[s.Name]
		if !ok || v == nil {
			if s.Default != nil {
				out[s.Name] = s.Default
				continue
			}
			if s.Required {
				return nil, invalid("config key %q is required", s.Name)
			}
			continue
		}
		if err := checkType(s, v); err != nil {
			return nil, err
		}
		if s.Type.IsSecret() {
			str := v.(string)
			if !security.IsEncrypted(str) {
				if c.secrets == nil {
					return nil, fmt.Errorf("config key %q is a secret but no secret key is loaded", s.Name)
				}
				enc, err := c.secrets.EncryptString(str)
				if err != nil {
					return nil, fmt.Errorf("failed to encrypt %q: %w", s.Name, err)
				}
				v = enc
			}
		}
		out[s.Name] = v
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func checkType(s types.ParamSpec, v any) error {
	ok := true
	switch s.Type {
	case types.ParamString, types.ParamText, types.ParamPassword, types.ParamSecretText:
		_, ok = v.(string)
	case types.ParamBoolean:
		_, ok = v.(bool)
	case types.ParamInteger:
		ok = isInteger(v)
	case types.ParamFloat:
		ok = isNumber(v)
	case types.ParamList:
		switch v.(type) {
		case []any, []string:
		default:
			ok = false
		}
	case types.ParamMap:
		_, ok = v.(map[string]any)
	case types.ParamJSON:
	default:
		return invalid("config key %q has unknown type %q", s.Name, s.Type)
	}
	if !ok {
		return invalid("config key %q must be of type %s, got %T", s.Name, s.Type, v)
	}
	return nil
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return n == math.Trunc(n)
	case json.Number:
		_, err := n.Int64()
		return err == nil
	}
	return false
}

func isNumber(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case json.Number:
		_, err := n.Float64()
		return err == nil
	}
	return false
}
