package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	_ "modernc.org/sqlite"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

const (
	maxTxAttempts = 5
	txBackoff     = 50 * time.Millisecond
)

// Config selects and tunes the database behind a GormStore
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	LogSQL       bool
}

// GormStore implements Store on top of gorm. Every Tx method called on the
// store directly runs in its own implicit transaction.
type GormStore struct {
	*gormTx
	db     *gorm.DB
	logger zerolog.Logger
}

// Open connects to the configured database and migrates the schema
func Open(cfg Config) (*GormStore, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("storage")
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(logger, cfg.LogSQL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	switch {
	case cfg.Driver == "sqlite":
		// One writer per process; other processes wait on busy_timeout
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		sqlDB.SetMaxOpenConns(20)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &GormStore{
		gormTx: &gormTx{db: db, sqlite: cfg.Driver == "sqlite", now: time.Now},
		db:     db,
		logger: logger,
	}, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn, err := sqliteDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// sqliteDSN turns a file path into a modernc DSN; full "file:" DSNs pass through
func sqliteDSN(path string) (string, error) {
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate", nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(schema...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	for _, table := range objectTables {
		if err := db.Table(table).AutoMigrate(&objectRecord{}); err != nil {
			return fmt.Errorf("failed to migrate %s table: %w", table, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for components sharing the database
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// SetClock replaces the time source used for start and finish stamps
func (s *GormStore) SetClock(now func() time.Time) {
	s.gormTx.now = now
}

// Update runs fn inside a transaction, retrying transient conflicts
func (s *GormStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			return fn(&gormTx{db: db, sqlite: s.sqlite, now: s.now})
		})
		if err == nil || !IsTransient(err) {
			return err
		}

		s.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Msg("Retrying transaction after transient conflict")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txBackoff):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxAttempts, err)
}

// Close closes the database
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsTransient reports whether err is a lock conflict worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"database is locked",
		"SQLITE_BUSY",
		"Error 1213",
		"Error 1205",
		"SQLSTATE 40001",
		"SQLSTATE 40P01",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// gormTx implements Tx against either the root handle or a transaction
type gormTx struct {
	db     *gorm.DB
	sqlite bool
	now    func() time.Time
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("failed to load %s: %w", fmt.Sprintf(format, args...), err)
}

// Task operations

func (t *gormTx) CreateTask(task *types.Task) error {
	if task.Status == "" {
		task.Status = types.StatusCreated
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = t.now()
	}
	rec := fromTask(task)
	if err := t.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	task.ID = rec.ID
	return nil
}

func (t *gormTx) loadTask(id uint64) (*taskRecord, error) {
	var rec taskRecord
	if err := t.db.First(&rec, id).Error; err != nil {
		return nil, notFound(err, "task %d", id)
	}
	return &rec, nil
}

func (t *gormTx) GetTask(id uint64) (*types.Task, error) {
	rec, err := t.loadTask(id)
	if err != nil {
		return nil, err
	}
	return rec.toTask(), nil
}

func (t *gormTx) UpdateTask(id uint64, patch TaskPatch) (*types.Task, error) {
	rec, err := t.loadTask(id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if patch.Status != nil {
		to := *patch.Status
		if err := types.ValidateTransition(types.Status(rec.Status), to); err != nil {
			return nil, fmt.Errorf("%w: task %d: %v", ErrInvalidTransition, id, err)
		}
		now := t.now()
		updates["status"] = string(to)
		rec.Status = string(to)
		if to == types.StatusRunning && rec.StartTime == nil {
			updates["start_time"] = now
			rec.StartTime = &now
		}
		if to.IsTerminal() {
			updates["finish_time"] = now
			rec.FinishTime = &now
		}
	}
	if patch.Worker != nil {
		updates["worker_env"] = string(patch.Worker.Environment)
		updates["worker_id"] = patch.Worker.WorkerID
		rec.WorkerEnv = string(patch.Worker.Environment)
		rec.WorkerID = patch.Worker.WorkerID
	}
	if patch.LockID != nil {
		updates["lock_id"] = *patch.LockID
		rec.LockID = *patch.LockID
	}
	if len(updates) == 0 {
		return rec.toTask(), nil
	}

	if err := t.db.Model(&taskRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update task %d: %w", id, err)
	}
	return rec.toTask(), nil
}

func (t *gormTx) ReopenTask(id uint64) (*types.Task, error) {
	rec, err := t.loadTask(id)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateReopen(types.Status(rec.Status)); err != nil {
		return nil, fmt.Errorf("%w: task %d: %v", ErrInvalidTransition, id, err)
	}

	updates := map[string]any{
		"status":      string(types.StatusRunning),
		"finish_time": nil,
	}
	rec.Status = string(types.StatusRunning)
	rec.FinishTime = nil
	if rec.StartTime == nil {
		now := t.now()
		updates["start_time"] = now
		rec.StartTime = &now
	}
	if err := t.db.Model(&taskRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to reopen task %d: %w", id, err)
	}
	return rec.toTask(), nil
}

func (t *gormTx) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	q := t.db.Model(&taskRecord{}).Order("id ASC")
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(filter.Statuses))
	}
	if filter.Target != nil {
		q = q.Where("target_type = ? AND target_id = ?", string(filter.Target.Type), filter.Target.ID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []taskRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*types.Task, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, recs[i].toTask())
	}
	return tasks, nil
}

func (t *gormTx) RetrieveUnfinishedTasks() ([]*types.Task, error) {
	return t.ListTasks(TaskFilter{Statuses: types.Unfinished()})
}

func (t *gormTx) RetrieveRunningTasks() ([]*types.Task, error) {
	return t.ListTasks(TaskFilter{Statuses: []types.Status{
		types.StatusScheduled,
		types.StatusQueued,
		types.StatusRunning,
	}})
}

func statusStrings(statuses []types.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Job operations

func (t *gormTx) CreateJobs(taskID uint64, jobs []*types.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	recs := make([]*jobRecord, len(jobs))
	for i, job := range jobs {
		job.TaskID = taskID
		job.Seq = i
		if job.Status == "" {
			job.Status = types.StatusCreated
		}
		recs[i] = fromJob(job)
	}
	// Insert one by one so ids follow declared order on every backend
	for i, rec := range recs {
		if err := t.db.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create job %d of task %d: %w", i, taskID, err)
		}
		jobs[i].ID = rec.ID
	}
	return nil
}

func (t *gormTx) loadJob(id uint64) (*jobRecord, error) {
	var rec jobRecord
	if err := t.db.First(&rec, id).Error; err != nil {
		return nil, notFound(err, "job %d", id)
	}
	return &rec, nil
}

func (t *gormTx) GetJob(id uint64) (*types.Job, error) {
	rec, err := t.loadJob(id)
	if err != nil {
		return nil, err
	}
	return rec.toJob(), nil
}

func (t *gormTx) GetTaskJobs(taskID uint64) ([]*types.Job, error) {
	return t.findJobs(t.db.Where("task_id = ?", taskID))
}

func (t *gormTx) RetrieveUnfinishedTaskJobs(taskID uint64) ([]*types.Job, error) {
	return t.findJobs(t.db.Where("task_id = ? AND status IN ?", taskID, statusStrings(types.Unfinished())))
}

func (t *gormTx) findJobs(q *gorm.DB) ([]*types.Job, error) {
	var recs []jobRecord
	if err := q.Order("seq ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]*types.Job, 0, len(recs))
	for i := range recs {
		jobs = append(jobs, recs[i].toJob())
	}
	return jobs, nil
}

func (t *gormTx) UpdateJob(id uint64, patch JobPatch) (*types.Job, error) {
	rec, err := t.loadJob(id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if patch.Status != nil {
		to := *patch.Status
		if err := types.ValidateTransition(types.Status(rec.Status), to); err != nil {
			return nil, fmt.Errorf("%w: job %d: %v", ErrInvalidTransition, id, err)
		}
		now := t.now()
		updates["status"] = string(to)
		rec.Status = string(to)
		if to == types.StatusRunning && rec.StartTime == nil {
			updates["start_time"] = now
			rec.StartTime = &now
		}
		if to.IsTerminal() {
			updates["finish_time"] = now
			rec.FinishTime = &now
		}
	}
	if patch.PID != nil {
		updates["pid"] = *patch.PID
		rec.PID = *patch.PID
	}
	if len(updates) == 0 {
		return rec.toJob(), nil
	}

	if err := t.db.Model(&jobRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update job %d: %w", id, err)
	}
	return rec.toJob(), nil
}

func (t *gormTx) ResetJob(id uint64) (*types.Job, error) {
	rec, err := t.loadJob(id)
	if err != nil {
		return nil, err
	}
	if err := types.ValidateReopen(types.Status(rec.Status)); err != nil {
		return nil, fmt.Errorf("%w: job %d: %v", ErrInvalidTransition, id, err)
	}
	updates := map[string]any{
		"status":      string(types.StatusCreated),
		"pid":         0,
		"start_time":  nil,
		"finish_time": nil,
	}
	if err := t.db.Model(&jobRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to reset job %d: %w", id, err)
	}
	rec.Status = string(types.StatusCreated)
	rec.PID = 0
	rec.StartTime = nil
	rec.FinishTime = nil
	return rec.toJob(), nil
}

// Log operations

func (t *gormTx) CreateLogs(logs []*types.Log) error {
	for _, l := range logs {
		rec := &logRecord{
			JobID:  l.JobID,
			Name:   l.Name,
			Type:   string(l.Type),
			Format: string(l.Format),
			Body:   l.Body,
		}
		if err := t.db.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create log for job %d: %w", l.JobID, err)
		}
		l.ID = rec.ID
	}
	return nil
}

func (t *gormTx) ListJobLogs(jobID uint64) ([]*types.Log, error) {
	var recs []logRecord
	if err := t.db.Where("job_id = ?", jobID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list logs of job %d: %w", jobID, err)
	}
	logs := make([]*types.Log, 0, len(recs))
	for i := range recs {
		logs = append(logs, recs[i].toLog())
	}
	return logs, nil
}

// Object operations

func objectTable(t types.ObjectType) (string, error) {
	table, ok := objectTables[t]
	if !ok {
		return "", fmt.Errorf("unknown object type %q", t)
	}
	return table, nil
}

func (t *gormTx) CreateObject(obj *types.Object) error {
	table, err := objectTable(obj.Ref.Type)
	if err != nil {
		return err
	}
	if obj.MaintenanceMode == "" {
		obj.MaintenanceMode = types.MaintenanceOff
	}
	rec := &objectRecord{
		ID:              obj.Ref.ID,
		Name:            obj.Name,
		PrototypeID:     obj.PrototypeID,
		State:           obj.State,
		MultiState:      types.MergeMultiState(obj.MultiState, nil, nil),
		MaintenanceMode: string(obj.MaintenanceMode),
		ClusterID:       obj.ClusterID,
		ServiceID:       obj.ServiceID,
		ProviderID:      obj.ProviderID,
	}
	if err := t.db.Table(table).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}
	obj.Ref.ID = rec.ID
	return nil
}

func (t *gormTx) loadObject(ref types.ObjectRef) (*objectRecord, string, error) {
	table, err := objectTable(ref.Type)
	if err != nil {
		return nil, "", err
	}
	var rec objectRecord
	if err := t.db.Table(table).Where("id = ?", ref.ID).Take(&rec).Error; err != nil {
		return nil, "", notFound(err, "%s", ref)
	}
	return &rec, table, nil
}

func (t *gormTx) GetObject(ref types.ObjectRef) (*types.Object, error) {
	rec, _, err := t.loadObject(ref)
	if err != nil {
		return nil, err
	}
	return rec.toObject(ref.Type), nil
}

func (t *gormTx) UpdateObjectState(ref types.ObjectRef, state string) error {
	_, table, err := t.loadObject(ref)
	if err != nil {
		return err
	}
	if err := t.db.Table(table).Where("id = ?", ref.ID).Update("state", state).Error; err != nil {
		return fmt.Errorf("failed to update state of %s: %w", ref, err)
	}
	return nil
}

func (t *gormTx) UpdateObjectMultiState(ref types.ObjectRef, add, remove []string) error {
	rec, table, err := t.loadObject(ref)
	if err != nil {
		return err
	}
	rec.MultiState = types.MergeMultiState(rec.MultiState, add, remove)
	// Select forces the serializer to run for the single column
	if err := t.db.Table(table).Where("id = ?", ref.ID).Select("multi_state").Updates(rec).Error; err != nil {
		return fmt.Errorf("failed to update multi-state of %s: %w", ref, err)
	}
	return nil
}

func (t *gormTx) SetMaintenanceMode(ref types.ObjectRef, mode types.MaintenanceMode) error {
	_, table, err := t.loadObject(ref)
	if err != nil {
		return err
	}
	if err := t.db.Table(table).Where("id = ?", ref.ID).Update("maintenance_mode", string(mode)).Error; err != nil {
		return fmt.Errorf("failed to set maintenance mode of %s: %w", ref, err)
	}
	return nil
}

func (t *gormTx) listObjects(kind types.ObjectType, q func(*gorm.DB) *gorm.DB) ([]*types.Object, error) {
	table, err := objectTable(kind)
	if err != nil {
		return nil, err
	}
	var recs []objectRecord
	if err := q(t.db.Table(table)).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	objs := make([]*types.Object, 0, len(recs))
	for i := range recs {
		objs = append(objs, recs[i].toObject(kind))
	}
	return objs, nil
}

func (t *gormTx) ListServices(clusterID uint64) ([]*types.Object, error) {
	return t.listObjects(types.ObjectService, func(q *gorm.DB) *gorm.DB {
		return q.Where("cluster_id = ?", clusterID)
	})
}

func (t *gormTx) ListComponents(clusterID, serviceID uint64) ([]*types.Object, error) {
	return t.listObjects(types.ObjectComponent, func(q *gorm.DB) *gorm.DB {
		q = q.Where("cluster_id = ?", clusterID)
		if serviceID != 0 {
			q = q.Where("service_id = ?", serviceID)
		}
		return q
	})
}

func (t *gormTx) ListHosts(filter HostFilter) ([]*types.Object, error) {
	return t.listObjects(types.ObjectHost, func(q *gorm.DB) *gorm.DB {
		if filter.ClusterID != 0 {
			q = q.Where("cluster_id = ?", filter.ClusterID)
		}
		if filter.ProviderID != 0 {
			q = q.Where("provider_id = ?", filter.ProviderID)
		}
		return q
	})
}

// Host-component operations

func (t *gormTx) GetHostComponents(clusterID uint64) ([]types.HostComponent, error) {
	return t.hostComponents(t.db, clusterID)
}

// LockHostComponents reads the mapping of a cluster and holds row locks on
// it until the transaction ends. SQLite has no row locks; its immediate
// transactions already hold the database write lock.
func (t *gormTx) LockHostComponents(clusterID uint64) ([]types.HostComponent, error) {
	q := t.db
	if !t.sqlite {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.hostComponents(q, clusterID)
}

func (t *gormTx) hostComponents(q *gorm.DB, clusterID uint64) ([]types.HostComponent, error) {
	var recs []hostComponentRecord
	if err := q.Where("cluster_id = ?", clusterID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load host-component mapping of cluster %d: %w", clusterID, err)
	}
	entries := make([]types.HostComponent, 0, len(recs))
	for i := range recs {
		entries = append(entries, recs[i].toEntry())
	}
	return entries, nil
}

func (t *gormTx) SetHostComponents(clusterID uint64, entries []types.HostComponent) error {
	if err := t.db.Where("cluster_id = ?", clusterID).Delete(&hostComponentRecord{}).Error; err != nil {
		return fmt.Errorf("failed to clear host-component mapping of cluster %d: %w", clusterID, err)
	}
	for _, e := range entries {
		rec := &hostComponentRecord{
			ClusterID:   clusterID,
			ServiceID:   e.ServiceID,
			ComponentID: e.ComponentID,
			HostID:      e.HostID,
		}
		if err := t.db.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to store host-component entry: %w", err)
		}
	}
	return nil
}

// Prototype and action operations

func (t *gormTx) CreatePrototype(proto *types.Prototype) error {
	rec := &prototypeRecord{
		ID:         proto.ID,
		Type:       string(proto.Type),
		Name:       proto.Name,
		Version:    proto.Version,
		BundleHash: proto.BundleHash,
		Path:       proto.Path,
		Venv:       proto.Venv,
	}
	if err := t.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create prototype: %w", err)
	}
	proto.ID = rec.ID
	return nil
}

func (t *gormTx) GetPrototype(id uint64) (*types.Prototype, error) {
	var rec prototypeRecord
	if err := t.db.First(&rec, id).Error; err != nil {
		return nil, notFound(err, "prototype %d", id)
	}
	return rec.toPrototype(), nil
}

func (t *gormTx) CreateAction(action *types.Action) error {
	rec := &actionRecord{
		ID:          action.ID,
		Name:        action.Name,
		PrototypeID: action.PrototypeID,
		Spec:        *action,
	}
	if err := t.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}
	action.ID = rec.ID
	if rec.Spec.ID != rec.ID {
		rec.Spec.ID = rec.ID
		if err := t.db.Model(rec).Select("spec").Updates(rec).Error; err != nil {
			return fmt.Errorf("failed to store action id: %w", err)
		}
	}
	return nil
}

func (t *gormTx) GetAction(id uint64) (*types.Action, error) {
	var rec actionRecord
	if err := t.db.First(&rec, id).Error; err != nil {
		return nil, notFound(err, "action %d", id)
	}
	action := rec.Spec
	action.ID = rec.ID
	return &action, nil
}

// Concern operations

func (t *gormTx) CreateConcern(c *types.Concern) error {
	rec := &concernRecord{
		Type:      string(c.Type),
		OwnerType: string(c.Owner.Type),
		OwnerID:   c.Owner.ID,
		TaskID:    c.TaskID,
		Cause:     string(c.Cause),
		Blocking:  c.Blocking,
		Reason:    c.Reason,
		CreatedAt: t.now(),
	}
	if err := t.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create concern: %w", err)
	}
	c.ID = rec.ID
	return nil
}

func (t *gormTx) GetConcern(id uint64) (*types.Concern, error) {
	var rec concernRecord
	if err := t.db.First(&rec, id).Error; err != nil {
		return nil, notFound(err, "concern %d", id)
	}
	return rec.toConcern(), nil
}

func (t *gormTx) DeleteConcern(id uint64) error {
	if err := t.db.Where("concern_id = ?", id).Delete(&concernLinkRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete links of concern %d: %w", id, err)
	}
	if err := t.db.Delete(&concernRecord{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete concern %d: %w", id, err)
	}
	return nil
}

func (t *gormTx) FindConcerns(filter ConcernFilter) ([]*types.Concern, error) {
	q := t.db.Model(&concernRecord{})
	if filter.Owner != nil {
		q = q.Where("owner_type = ? AND owner_id = ?", string(filter.Owner.Type), filter.Owner.ID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Cause != "" {
		q = q.Where("cause = ?", string(filter.Cause))
	}
	if filter.TaskID != 0 {
		q = q.Where("task_id = ?", filter.TaskID)
	}
	return t.findConcerns(q)
}

func (t *gormTx) ListTaskConcerns(taskID uint64) ([]*types.Concern, error) {
	return t.findConcerns(t.db.Model(&concernRecord{}).Where("task_id = ?", taskID))
}

func (t *gormTx) findConcerns(q *gorm.DB) ([]*types.Concern, error) {
	var recs []concernRecord
	if err := q.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list concerns: %w", err)
	}
	out := make([]*types.Concern, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toConcern())
	}
	return out, nil
}

func (t *gormTx) LinkConcern(id uint64, refs []types.ObjectRef) error {
	if len(refs) == 0 {
		return nil
	}
	links := make([]concernLinkRecord, len(refs))
	for i, ref := range refs {
		links[i] = concernLinkRecord{ObjectType: string(ref.Type), ObjectID: ref.ID, ConcernID: id}
	}
	if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error; err != nil {
		return fmt.Errorf("failed to link concern %d: %w", id, err)
	}
	return nil
}

func (t *gormTx) UnlinkConcern(id uint64, refs []types.ObjectRef) error {
	for _, ref := range refs {
		err := t.db.
			Where("concern_id = ? AND object_type = ? AND object_id = ?", id, string(ref.Type), ref.ID).
			Delete(&concernLinkRecord{}).Error
		if err != nil {
			return fmt.Errorf("failed to unlink concern %d from %s: %w", id, ref, err)
		}
	}
	return nil
}

func (t *gormTx) ConcernLinks(id uint64) ([]types.ObjectRef, error) {
	var recs []concernLinkRecord
	if err := t.db.Where("concern_id = ?", id).Order("object_type ASC, object_id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list links of concern %d: %w", id, err)
	}
	refs := make([]types.ObjectRef, 0, len(recs))
	for _, r := range recs {
		refs = append(refs, types.Ref(types.ObjectType(r.ObjectType), r.ObjectID))
	}
	return refs, nil
}

func (t *gormTx) ObjectConcerns(ref types.ObjectRef) ([]*types.Concern, error) {
	q := t.db.Model(&concernRecord{}).
		Where("id IN (?)", t.db.Model(&concernLinkRecord{}).
			Select("concern_id").
			Where("object_type = ? AND object_id = ?", string(ref.Type), ref.ID))
	return t.findConcerns(q)
}
