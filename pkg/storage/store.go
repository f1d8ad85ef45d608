package storage

import (
	"context"
	"errors"

	"github.com/cuemby/foreman/pkg/types"
)

var (
	// ErrNotFound is returned when a task, job, action or object does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status patch breaks the state machine
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskPatch is a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Status *types.Status
	Worker *types.WorkerDescriptor
	LockID *uint64
}

// JobPatch is a partial job update. Nil fields are left untouched.
type JobPatch struct {
	Status *types.Status
	PID    *int
}

// StatusPatch is a shorthand for a patch that only moves the status
func StatusPatch(s types.Status) TaskPatch {
	return TaskPatch{Status: &s}
}

// JobStatusPatch is the job counterpart of StatusPatch
func JobStatusPatch(s types.Status) JobPatch {
	return JobPatch{Status: &s}
}

// TaskFilter selects tasks; results are always ordered by id ascending
type TaskFilter struct {
	Statuses []types.Status
	Target   *types.ObjectRef
	Limit    int
}

// HostFilter selects hosts by parent; zero fields match everything
type HostFilter struct {
	ClusterID  uint64
	ProviderID uint64
}

// ConcernFilter selects concerns; zero fields match everything
type ConcernFilter struct {
	Owner  *types.ObjectRef
	Type   types.ConcernType
	Cause  types.ConcernCause
	TaskID uint64
}

// Tx is the set of repository operations. It is implemented both by a
// transaction handed to Store.Update and by the Store itself, in which case
// every call commits on its own.
type Tx interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id uint64) (*types.Task, error)
	UpdateTask(id uint64, patch TaskPatch) (*types.Task, error)
	ReopenTask(id uint64) (*types.Task, error)
	ListTasks(filter TaskFilter) ([]*types.Task, error)
	RetrieveUnfinishedTasks() ([]*types.Task, error)
	RetrieveRunningTasks() ([]*types.Task, error)

	// Jobs
	CreateJobs(taskID uint64, jobs []*types.Job) error
	GetJob(id uint64) (*types.Job, error)
	GetTaskJobs(taskID uint64) ([]*types.Job, error)
	UpdateJob(id uint64, patch JobPatch) (*types.Job, error)
	ResetJob(id uint64) (*types.Job, error)
	RetrieveUnfinishedTaskJobs(taskID uint64) ([]*types.Job, error)

	// Logs
	CreateLogs(logs []*types.Log) error
	ListJobLogs(jobID uint64) ([]*types.Log, error)

	// Managed objects
	CreateObject(obj *types.Object) error
	GetObject(ref types.ObjectRef) (*types.Object, error)
	UpdateObjectState(ref types.ObjectRef, state string) error
	UpdateObjectMultiState(ref types.ObjectRef, add, remove []string) error
	SetMaintenanceMode(ref types.ObjectRef, mode types.MaintenanceMode) error
	ListServices(clusterID uint64) ([]*types.Object, error)
	ListComponents(clusterID, serviceID uint64) ([]*types.Object, error)
	ListHosts(filter HostFilter) ([]*types.Object, error)

	// Host-component mapping
	GetHostComponents(clusterID uint64) ([]types.HostComponent, error)
	LockHostComponents(clusterID uint64) ([]types.HostComponent, error)
	SetHostComponents(clusterID uint64, entries []types.HostComponent) error

	// Prototypes and actions
	CreatePrototype(proto *types.Prototype) error
	GetPrototype(id uint64) (*types.Prototype, error)
	CreateAction(action *types.Action) error
	GetAction(id uint64) (*types.Action, error)

	// Concerns
	CreateConcern(c *types.Concern) error
	GetConcern(id uint64) (*types.Concern, error)
	DeleteConcern(id uint64) error
	FindConcerns(filter ConcernFilter) ([]*types.Concern, error)
	ListTaskConcerns(taskID uint64) ([]*types.Concern, error)
	LinkConcern(id uint64, refs []types.ObjectRef) error
	UnlinkConcern(id uint64, refs []types.ObjectRef) error
	ConcernLinks(id uint64) ([]types.ObjectRef, error)
	ObjectConcerns(ref types.ObjectRef) ([]*types.Concern, error)
}

// Store is the persistent repository shared by the scheduler, runners and
// pool workers.
type Store interface {
	Tx

	// Update runs fn in one transaction. The transaction is retried when
	// the database reports a transient conflict, so fn must not have side
	// effects outside the repository.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
