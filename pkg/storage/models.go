package storage

import (
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

type taskRecord struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	ActionID      uint64 `gorm:"index"`
	TargetType    string `gorm:"size:16;index:idx_task_target"`
	TargetID      uint64 `gorm:"index:idx_task_target"`
	OwnerType     string `gorm:"size:16"`
	OwnerID       uint64
	Status        string                     `gorm:"size:16;index"`
	Config        map[string]any             `gorm:"serializer:json"`
	HostComponent types.HostComponentPayload `gorm:"serializer:json"`
	Verbose       bool
	IsBlocking    bool
	WorkerEnv     string `gorm:"size:16"`
	WorkerID      string `gorm:"size:64"`
	LockID        uint64
	CreatedAt     time.Time
	StartTime     *time.Time
	FinishTime    *time.Time
}

func (taskRecord) TableName() string { return "task" }

type jobRecord struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	TaskID           uint64 `gorm:"index"`
	Seq              int
	Name             string           `gorm:"size:255"`
	DisplayName      string           `gorm:"size:255"`
	ScriptType       string           `gorm:"size:16"`
	Script           string           `gorm:"size:1024"`
	Params           map[string]any   `gorm:"serializer:json"`
	OnFail           types.StateDelta `gorm:"serializer:json"`
	AllowToTerminate *bool
	Status           string `gorm:"size:16;index"`
	PID              int    `gorm:"column:pid"`
	StartTime        *time.Time
	FinishTime       *time.Time
}

func (jobRecord) TableName() string { return "job" }

type logRecord struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	JobID  uint64 `gorm:"index"`
	Name   string `gorm:"size:255"`
	Type   string `gorm:"size:16"`
	Format string `gorm:"size:8"`
	Body   string `gorm:"type:text"`
}

func (logRecord) TableName() string { return "log" }

type concernRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Type      string `gorm:"size:16;index"`
	OwnerType string `gorm:"size:16;index:idx_concern_owner"`
	OwnerID   uint64 `gorm:"index:idx_concern_owner"`
	TaskID    uint64 `gorm:"index"`
	Cause     string `gorm:"size:32"`
	Blocking  bool
	Reason    string `gorm:"size:1024"`
	CreatedAt time.Time
}

func (concernRecord) TableName() string { return "concern" }

// concernLinkRecord is one edge of the object/concern adjacency table
type concernLinkRecord struct {
	ObjectType string `gorm:"primaryKey;size:16"`
	ObjectID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	ConcernID  uint64 `gorm:"primaryKey;autoIncrement:false;index"`
}

func (concernLinkRecord) TableName() string { return "concern_link" }

// objectRecord backs every managed-object table; the table is chosen per
// object type with objectTable.
type objectRecord struct {
	ID              uint64   `gorm:"primaryKey;autoIncrement"`
	Name            string   `gorm:"size:255"`
	PrototypeID     uint64   `gorm:"index"`
	State           string   `gorm:"size:64"`
	MultiState      []string `gorm:"serializer:json"`
	MaintenanceMode string   `gorm:"size:16"`
	ClusterID       uint64   `gorm:"index"`
	ServiceID       uint64   `gorm:"index"`
	ProviderID      uint64   `gorm:"index"`
}

var objectTables = map[types.ObjectType]string{
	types.ObjectCluster:   "cluster",
	types.ObjectService:   "service",
	types.ObjectComponent: "component",
	types.ObjectProvider:  "provider",
	types.ObjectHost:      "host",
}

type hostComponentRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ClusterID   uint64 `gorm:"index"`
	ServiceID   uint64
	ComponentID uint64 `gorm:"index"`
	HostID      uint64 `gorm:"index"`
}

func (hostComponentRecord) TableName() string { return "hostcomponent" }

type prototypeRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Type       string `gorm:"size:16"`
	Name       string `gorm:"size:255"`
	Version    string `gorm:"size:64"`
	BundleHash string `gorm:"size:128"`
	Path       string `gorm:"size:1024"`
	Venv       string `gorm:"size:64"`
}

func (prototypeRecord) TableName() string { return "prototype" }

// actionRecord keeps the searchable columns next to the full definition
type actionRecord struct {
	ID          uint64       `gorm:"primaryKey;autoIncrement"`
	Name        string       `gorm:"size:255;index"`
	PrototypeID uint64       `gorm:"index"`
	Spec        types.Action `gorm:"serializer:json"`
}

func (actionRecord) TableName() string { return "action" }

// schema lists every record migrated by Open, excluding object tables
var schema = []any{
	&taskRecord{},
	&jobRecord{},
	&logRecord{},
	&concernRecord{},
	&concernLinkRecord{},
	&hostComponentRecord{},
	&prototypeRecord{},
	&actionRecord{},
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (r *taskRecord) toTask() *types.Task {
	return &types.Task{
		ID:            r.ID,
		ActionID:      r.ActionID,
		Target:        types.Ref(types.ObjectType(r.TargetType), r.TargetID),
		Owner:         types.Ref(types.ObjectType(r.OwnerType), r.OwnerID),
		Status:        types.Status(r.Status),
		Config:        r.Config,
		HostComponent: r.HostComponent,
		Verbose:       r.Verbose,
		IsBlocking:    r.IsBlocking,
		Worker: types.WorkerDescriptor{
			Environment: types.WorkerEnvironment(r.WorkerEnv),
			WorkerID:    r.WorkerID,
		},
		LockID:     r.LockID,
		CreatedAt:  r.CreatedAt,
		StartTime:  timeVal(r.StartTime),
		FinishTime: timeVal(r.FinishTime),
	}
}

func fromTask(t *types.Task) *taskRecord {
	return &taskRecord{
		ID:            t.ID,
		ActionID:      t.ActionID,
		TargetType:    string(t.Target.Type),
		TargetID:      t.Target.ID,
		OwnerType:     string(t.Owner.Type),
		OwnerID:       t.Owner.ID,
		Status:        string(t.Status),
		Config:        t.Config,
		HostComponent: t.HostComponent,
		Verbose:       t.Verbose,
		IsBlocking:    t.IsBlocking,
		WorkerEnv:     string(t.Worker.Environment),
		WorkerID:      t.Worker.WorkerID,
		LockID:        t.LockID,
		CreatedAt:     t.CreatedAt,
		StartTime:     timePtr(t.StartTime),
		FinishTime:    timePtr(t.FinishTime),
	}
}

func (r *jobRecord) toJob() *types.Job {
	return &types.Job{
		ID:               r.ID,
		TaskID:           r.TaskID,
		Seq:              r.Seq,
		Name:             r.Name,
		DisplayName:      r.DisplayName,
		ScriptType:       types.ScriptType(r.ScriptType),
		Script:           r.Script,
		Params:           r.Params,
		OnFail:           r.OnFail,
		AllowToTerminate: r.AllowToTerminate,
		Status:           types.Status(r.Status),
		PID:              r.PID,
		StartTime:        timeVal(r.StartTime),
		FinishTime:       timeVal(r.FinishTime),
	}
}

func fromJob(j *types.Job) *jobRecord {
	return &jobRecord{
		ID:               j.ID,
		TaskID:           j.TaskID,
		Seq:              j.Seq,
		Name:             j.Name,
		DisplayName:      j.DisplayName,
		ScriptType:       string(j.ScriptType),
		Script:           j.Script,
		Params:           j.Params,
		OnFail:           j.OnFail,
		AllowToTerminate: j.AllowToTerminate,
		Status:           string(j.Status),
		PID:              j.PID,
		StartTime:        timePtr(j.StartTime),
		FinishTime:       timePtr(j.FinishTime),
	}
}

func (r *logRecord) toLog() *types.Log {
	return &types.Log{
		ID:     r.ID,
		JobID:  r.JobID,
		Name:   r.Name,
		Type:   types.LogType(r.Type),
		Format: types.LogFormat(r.Format),
		Body:   r.Body,
	}
}

func (r *concernRecord) toConcern() *types.Concern {
	return &types.Concern{
		ID:       r.ID,
		Type:     types.ConcernType(r.Type),
		Owner:    types.Ref(types.ObjectType(r.OwnerType), r.OwnerID),
		TaskID:   r.TaskID,
		Cause:    types.ConcernCause(r.Cause),
		Blocking: r.Blocking,
		Reason:   r.Reason,
	}
}

func (r *objectRecord) toObject(t types.ObjectType) *types.Object {
	return &types.Object{
		Ref:             types.Ref(t, r.ID),
		Name:            r.Name,
		PrototypeID:     r.PrototypeID,
		State:           r.State,
		MultiState:      r.MultiState,
		MaintenanceMode: types.MaintenanceMode(r.MaintenanceMode),
		ClusterID:       r.ClusterID,
		ServiceID:       r.ServiceID,
		ProviderID:      r.ProviderID,
	}
}

func (r *hostComponentRecord) toEntry() types.HostComponent {
	return types.HostComponent{
		ClusterID:   r.ClusterID,
		ServiceID:   r.ServiceID,
		ComponentID: r.ComponentID,
		HostID:      r.HostID,
	}
}

func (r *prototypeRecord) toPrototype() *types.Prototype {
	return &types.Prototype{
		ID:         r.ID,
		Type:       types.ObjectType(r.Type),
		Name:       r.Name,
		Version:    r.Version,
		BundleHash: r.BundleHash,
		Path:       r.Path,
		Venv:       r.Venv,
	}
}
