package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ObjectType identifies a kind of managed object
type ObjectType string

const (
	ObjectCluster   ObjectType = "cluster"
	ObjectService   ObjectType = "service"
	ObjectComponent ObjectType = "component"
	ObjectProvider  ObjectType = "provider"
	ObjectHost      ObjectType = "host"
)

// Valid reports whether t is a known object type
func (t ObjectType) Valid() bool {
	switch t {
	case ObjectCluster, ObjectService, ObjectComponent, ObjectProvider, ObjectHost:
		return true
	}
	return false
}

// ObjectRef points at one managed object
type ObjectRef struct {
	Type ObjectType `json:"type" yaml:"type"`
	ID   uint64     `json:"id" yaml:"id"`
}

// Ref is a shorthand constructor for ObjectRef
func Ref(t ObjectType, id uint64) ObjectRef {
	return ObjectRef{Type: t, ID: id}
}

// IsZero reports whether the reference is unset
func (r ObjectRef) IsZero() bool {
	return r.Type == "" && r.ID == 0
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// ParseObjectRef parses the "type/id" form produced by String
func ParseObjectRef(s string) (ObjectRef, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok {
		return ObjectRef{}, fmt.Errorf("invalid object reference %q: expected type/id", s)
	}
	var n uint64
	if _, err := fmt.Sscanf(id, "%d", &n); err != nil {
		return ObjectRef{}, fmt.Errorf("invalid object id in %q: %w", s, err)
	}
	ref := ObjectRef{Type: ObjectType(kind), ID: n}
	if !ref.Type.Valid() {
		return ObjectRef{}, fmt.Errorf("unknown object type %q", kind)
	}
	return ref, nil
}

// MaintenanceMode is the maintenance flag of a host, service or component
type MaintenanceMode string

const (
	MaintenanceOff      MaintenanceMode = "off"
	MaintenanceOn       MaintenanceMode = "on"
	MaintenanceChanging MaintenanceMode = "changing"
)

// Object is a managed object: cluster, service, component, provider or host.
// Parent ids are set according to the type: services and components carry
// ClusterID, components also carry ServiceID, hosts carry ProviderID and
// ClusterID once they are added to a cluster.
type Object struct {
	Ref             ObjectRef       `json:"ref" yaml:"ref"`
	Name            string          `json:"name" yaml:"name"`
	PrototypeID     uint64          `json:"prototype_id" yaml:"prototype_id"`
	State           string          `json:"state" yaml:"state"`
	MultiState      []string        `json:"multi_state,omitempty" yaml:"multi_state"`
	MaintenanceMode MaintenanceMode `json:"maintenance_mode" yaml:"maintenance_mode"`
	ClusterID       uint64          `json:"cluster_id,omitempty" yaml:"cluster_id"`
	ServiceID       uint64          `json:"service_id,omitempty" yaml:"service_id"`
	ProviderID      uint64          `json:"provider_id,omitempty" yaml:"provider_id"`
}

// Prototype describes the bundle definition an object or action belongs to
type Prototype struct {
	ID         uint64     `json:"id" yaml:"id"`
	Type       ObjectType `json:"type" yaml:"type"`
	Name       string     `json:"name" yaml:"name"`
	Version    string     `json:"version" yaml:"version"`
	BundleHash string     `json:"bundle_hash" yaml:"bundle_hash"`
	Path       string     `json:"path" yaml:"path"`
	Venv       string     `json:"venv" yaml:"venv"`
}

// ScriptType selects the executor of a job
type ScriptType string

const (
	ScriptAnsible  ScriptType = "ansible"
	ScriptPython   ScriptType = "python"
	ScriptInternal ScriptType = "internal"
)

// StateDelta is a change of object state applied after a task or job
type StateDelta struct {
	State           string   `json:"state,omitempty" yaml:"state"`
	MultiStateSet   []string `json:"multi_state_set,omitempty" yaml:"multi_state_set"`
	MultiStateUnset []string `json:"multi_state_unset,omitempty" yaml:"multi_state_unset"`
}

// IsEmpty reports whether the delta changes nothing
func (d StateDelta) IsEmpty() bool {
	return d.State == "" && len(d.MultiStateSet) == 0 && len(d.MultiStateUnset) == 0
}

// ApplyTo returns the state and multi-state that result from applying d.
// The multi-state is returned sorted without duplicates, so applying the
// same delta again yields the same result.
func (d StateDelta) ApplyTo(state string, multi []string) (string, []string) {
	if d.State != "" {
		state = d.State
	}
	return state, MergeMultiState(multi, d.MultiStateSet, d.MultiStateUnset)
}

// MergeMultiState adds and removes flags from a multi-state set
func MergeMultiState(current, add, remove []string) []string {
	set := make(map[string]struct{}, len(current)+len(add))
	for _, s := range current {
		set[s] = struct{}{}
	}
	for _, s := range add {
		set[s] = struct{}{}
	}
	for _, s := range remove {
		delete(set, s)
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ParamType is the declared type of an action config parameter
type ParamType string

const (
	ParamString     ParamType = "string"
	ParamText       ParamType = "text"
	ParamInteger    ParamType = "integer"
	ParamFloat      ParamType = "float"
	ParamBoolean    ParamType = "boolean"
	ParamPassword   ParamType = "password"
	ParamSecretText ParamType = "secrettext"
	ParamList       ParamType = "list"
	ParamMap        ParamType = "map"
	ParamJSON       ParamType = "json"
)

// IsSecret reports whether values of this type are stored encrypted
func (t ParamType) IsSecret() bool {
	return t == ParamPassword || t == ParamSecretText
}

// ParamSpec declares one config parameter of an action
type ParamSpec struct {
	Name     string    `json:"name" yaml:"name"`
	Type     ParamType `json:"type" yaml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required"`
	Default  any       `json:"default,omitempty" yaml:"default"`
	// Unsafe values are rendered wrapped so ansible never templates them
	Unsafe bool `json:"unsafe,omitempty" yaml:"unsafe"`
}

// JobSpec is one ordered step of an action
type JobSpec struct {
	Name             string         `json:"name" yaml:"name"`
	DisplayName      string         `json:"display_name,omitempty" yaml:"display_name"`
	ScriptType       ScriptType     `json:"script_type" yaml:"script_type"`
	Script           string         `json:"script" yaml:"script"`
	Params           map[string]any `json:"params,omitempty" yaml:"params"`
	OnFail           StateDelta     `json:"on_fail,omitempty" yaml:"on_fail"`
	AllowToTerminate *bool          `json:"allow_to_terminate,omitempty" yaml:"allow_to_terminate"`
}

// Action is a named operation defined on a prototype
type Action struct {
	ID                  uint64         `json:"id" yaml:"id"`
	Name                string         `json:"name" yaml:"name"`
	DisplayName         string         `json:"display_name" yaml:"display_name"`
	PrototypeID         uint64         `json:"prototype_id" yaml:"prototype_id"`
	ScriptType          ScriptType     `json:"script_type,omitempty" yaml:"script_type"`
	Script              string         `json:"script,omitempty" yaml:"script"`
	Params              map[string]any `json:"params,omitempty" yaml:"params"`
	AllowToTerminate    bool           `json:"allow_to_terminate" yaml:"allow_to_terminate"`
	HostAction          bool           `json:"host_action" yaml:"host_action"`
	HostComponentChange bool           `json:"hostcomponent_change" yaml:"hostcomponent_change"`
	Venv                string         `json:"venv,omitempty" yaml:"venv"`
	Verbose             bool           `json:"verbose,omitempty" yaml:"verbose"`
	OnSuccess           StateDelta     `json:"on_success,omitempty" yaml:"on_success"`
	OnFail              StateDelta     `json:"on_fail,omitempty" yaml:"on_fail"`
	Config              []ParamSpec    `json:"config,omitempty" yaml:"config"`
	SubActions          []JobSpec      `json:"sub_actions,omitempty" yaml:"sub_actions"`
}

// JobSpecs returns the ordered jobs of the action. An action with
// sub-actions runs them in order; an action carrying its own script runs as
// a single job; anything else has no jobs.
func (a *Action) JobSpecs() []JobSpec {
	if len(a.SubActions) > 0 {
		specs := make([]JobSpec, len(a.SubActions))
		copy(specs, a.SubActions)
		for i := range specs {
			if specs[i].ScriptType == "" {
				specs[i].ScriptType = a.ScriptType
			}
		}
		return specs
	}
	if a.Script == "" {
		return nil
	}
	return []JobSpec{{
		Name:        a.Name,
		DisplayName: a.DisplayName,
		ScriptType:  a.ScriptType,
		Script:      a.Script,
		Params:      a.Params,
		OnFail:      a.OnFail,
	}}
}

// MaintenanceTarget reports the maintenance mode the action drives its
// target to, if it is one of the maintenance mode actions.
func (a *Action) MaintenanceTarget() (MaintenanceMode, bool) {
	switch {
	case strings.HasSuffix(a.Name, "turn_on_maintenance_mode"):
		return MaintenanceOn, true
	case strings.HasSuffix(a.Name, "turn_off_maintenance_mode"):
		return MaintenanceOff, true
	}
	return "", false
}

// HostComponent is one entry of a cluster's host-component mapping
type HostComponent struct {
	ClusterID   uint64 `json:"cluster_id" yaml:"cluster_id"`
	ServiceID   uint64 `json:"service_id" yaml:"service_id"`
	ComponentID uint64 `json:"component_id" yaml:"component_id"`
	HostID      uint64 `json:"host_id" yaml:"host_id"`
}

// HostComponentPayload is the mapping carried by a task: the snapshot taken
// at compose time and, for actions that change the mapping, the desired one.
type HostComponentPayload struct {
	Snapshot []HostComponent `json:"snapshot,omitempty"`
	Desired  []HostComponent `json:"desired,omitempty"`
	Change   bool            `json:"change,omitempty"`
}

// WorkerEnvironment selects where a task runs
type WorkerEnvironment string

const (
	EnvironmentLocal  WorkerEnvironment = "local"
	EnvironmentRemote WorkerEnvironment = "remote"
)

// WorkerDescriptor records who is executing a task. WorkerID is the runner
// pid for local tasks and the pool entry id for remote ones.
type WorkerDescriptor struct {
	Environment WorkerEnvironment `json:"environment,omitempty"`
	WorkerID    string            `json:"worker_id,omitempty"`
}

// IsZero reports whether no worker has been recorded
func (w WorkerDescriptor) IsZero() bool {
	return w.Environment == "" && w.WorkerID == ""
}

// Task is one run of an action against a target object
type Task struct {
	ID            uint64               `json:"id"`
	ActionID      uint64               `json:"action_id"`
	Target        ObjectRef            `json:"target"`
	Owner         ObjectRef            `json:"owner"`
	Status        Status               `json:"status"`
	Config        map[string]any       `json:"config,omitempty"`
	HostComponent HostComponentPayload `json:"hostcomponent"`
	Verbose       bool                 `json:"verbose"`
	IsBlocking    bool                 `json:"is_blocking"`
	Worker        WorkerDescriptor     `json:"worker_descriptor"`
	LockID        uint64               `json:"lock_id,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartTime     time.Time            `json:"start_time,omitempty"`
	FinishTime    time.Time            `json:"finish_time,omitempty"`
}

// Job is one script execution of a task
type Job struct {
	ID          uint64         `json:"id"`
	TaskID      uint64         `json:"task_id"`
	Seq         int            `json:"seq"`
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name,omitempty"`
	ScriptType  ScriptType     `json:"type"`
	Script      string         `json:"script"`
	Params      map[string]any `json:"params,omitempty"`
	OnFail      StateDelta     `json:"on_fail,omitempty"`
	// AllowToTerminate overrides the action flag for this job when set
	AllowToTerminate *bool     `json:"allow_to_terminate,omitempty"`
	Status           Status    `json:"status"`
	PID              int       `json:"pid,omitempty"`
	StartTime        time.Time `json:"start_time,omitempty"`
	FinishTime       time.Time `json:"finish_time,omitempty"`
}

// LogType is the kind of a job log
type LogType string

const (
	LogStdout LogType = "stdout"
	LogStderr LogType = "stderr"
	LogCheck  LogType = "check"
	LogCustom LogType = "custom"
)

// LogFormat is the body format of a job log
type LogFormat string

const (
	FormatText LogFormat = "txt"
	FormatJSON LogFormat = "json"
)

// Log is a stored log of one job. Stdout and stderr rows are created with
// the job and point at files in the job work directory; check and custom
// logs carry their body.
type Log struct {
	ID     uint64    `json:"id"`
	JobID  uint64    `json:"job_id"`
	Name   string    `json:"name"`
	Type   LogType   `json:"type"`
	Format LogFormat `json:"format"`
	Body   string    `json:"body,omitempty"`
}

// ConcernType is the kind of a concern
type ConcernType string

const (
	ConcernLock  ConcernType = "lock"
	ConcernIssue ConcernType = "issue"
	ConcernFlag  ConcernType = "flag"
)

// ConcernCause tells what produced a concern
type ConcernCause string

const (
	CauseJob           ConcernCause = "job"
	CauseConfig        ConcernCause = "config"
	CauseHostComponent ConcernCause = "host-component"
	CauseRequirement   ConcernCause = "requirement"
	CauseFlag          ConcernCause = "flag"
)

// Concern marks the objects of a hierarchy as locked or as carrying an
// issue or flag. Owner is the root of the hierarchy; TaskID is set for
// concerns held by a task.
type Concern struct {
	ID       uint64       `json:"id"`
	Type     ConcernType  `json:"type"`
	Owner    ObjectRef    `json:"owner"`
	TaskID   uint64       `json:"task_id,omitempty"`
	Cause    ConcernCause `json:"cause"`
	Blocking bool         `json:"blocking"`
	Reason   string       `json:"reason"`
}
