package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type entryRecord struct {
	ID              string `gorm:"primaryKey;size:36"`
	TaskID          uint64 `gorm:"index"`
	Status          string `gorm:"size:16;index"`
	WorkerID        string `gorm:"size:64"`
	CancelRequested bool
	CreatedAt       time.Time
	ClaimedAt       *time.Time
	FinishedAt      *time.Time
}

func (entryRecord) TableName() string { return "pool_tasks" }

func (r *entryRecord) toEntry() *Entry {
	e := &Entry{
		ID:              r.ID,
		TaskID:          r.TaskID,
		Status:          EntryStatus(r.Status),
		WorkerID:        r.WorkerID,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
	}
	if r.ClaimedAt != nil {
		e.ClaimedAt = *r.ClaimedAt
	}
	return e
}

type workerRecord struct {
	ID       string `gorm:"primaryKey;size:64"`
	Hostname string `gorm:"size:255"`
	LastSeen time.Time
}

func (workerRecord) TableName() string { return "pool_workers" }

// SQLPool keeps the pool in two tables of the repository database
type SQLPool struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLPool migrates the pool tables on db
func NewSQLPool(db *gorm.DB) (*SQLPool, error) {
	if err := db.AutoMigrate(&entryRecord{}, &workerRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate pool tables: %w", err)
	}
	return &SQLPool{db: db, now: time.Now}, nil
}

func (p *SQLPool) Submit(ctx context.Context, taskID uint64) (string, error) {
	rec := &entryRecord{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Status:    string(EntryQueued),
		CreatedAt: p.now(),
	}
	if err := p.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", fmt.Errorf("failed to submit task %d: %w", taskID, err)
	}
	return rec.ID, nil
}

func (p *SQLPool) Claim(ctx context.Context, workerID string) (*Entry, error) {
	db := p.db.WithContext(ctx)
	// a losing worker sees zero rows affected and tries the next entry
	for range 5 {
		var rec entryRecord
		err := db.Where("status = ?", string(EntryQueued)).Order("created_at ASC, id ASC").First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read queue: %w", err)
		}

		now := p.now()
		res := db.Model(&entryRecord{}).
			Where("id = ? AND status = ?", rec.ID, string(EntryQueued)).
			Updates(map[string]any{"status": string(EntryClaimed), "worker_id": workerID, "claimed_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim entry %s: %w", rec.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			rec.Status = string(EntryClaimed)
			rec.WorkerID = workerID
			rec.ClaimedAt = &now
			return rec.toEntry(), nil
		}
	}
	return nil, nil
}

func (p *SQLPool) Heartbeat(ctx context.Context, workerID, hostname string) error {
	rec := &workerRecord{ID: workerID, Hostname: hostname, LastSeen: p.now()}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hostname", "last_seen"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to record heartbeat of %s: %w", workerID, err)
	}
	return nil
}

func (p *SQLPool) Finish(ctx context.Context, id string) error {
	now := p.now()
	res := p.db.WithContext(ctx).Model(&entryRecord{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(EntryFinished), "finished_at": now})
	if res.Error != nil {
		return fmt.Errorf("failed to finish entry %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *SQLPool) RequestCancel(ctx context.Context, id string) error {
	res := p.db.WithContext(ctx).Model(&entryRecord{}).Where("id = ?", id).Update("cancel_requested", true)
	if res.Error != nil {
		return fmt.Errorf("failed to cancel entry %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *SQLPool) CancelRequested(ctx context.Context, id string) (bool, error) {
	e, err := p.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return e.CancelRequested, nil
}

func (p *SQLPool) Get(ctx context.Context, id string) (*Entry, error) {
	var rec entryRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", id, err)
	}
	return rec.toEntry(), nil
}

func (p *SQLPool) Active(ctx context.Context) ([]*Entry, error) {
	var recs []entryRecord
	err := p.db.WithContext(ctx).
		Where("status IN ?", []string{string(EntryQueued), string(EntryClaimed)}).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active entries: %w", err)
	}
	out := make([]*Entry, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toEntry())
	}
	return out, nil
}

func (p *SQLPool) WorkerAlive(ctx context.Context, workerID string, maxAge time.Duration) (bool, error) {
	var rec workerRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", workerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load worker %s: %w", workerID, err)
	}
	return p.now().Sub(rec.LastSeen) < maxAge, nil
}

// Close is a no-op; the database belongs to the repository
func (p *SQLPool) Close() error { return nil }
