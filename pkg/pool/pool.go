package pool

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned for an unknown pool entry
var ErrNotFound = errors.New("pool entry not found")

// EntryStatus is the lifecycle of a pool entry
type EntryStatus string

const (
	EntryQueued   EntryStatus = "queued"
	EntryClaimed  EntryStatus = "claimed"
	EntryFinished EntryStatus = "finished"
)

// Entry is one remote submission of a task
type Entry struct {
	ID              string
	TaskID          uint64
	Status          EntryStatus
	WorkerID        string
	CancelRequested bool
	CreatedAt       time.Time
	ClaimedAt       time.Time
}

// Active reports whether the entry is queued or claimed
func (e *Entry) Active() bool {
	return e.Status == EntryQueued || e.Status == EntryClaimed
}

// Pool is the queue shared by the scheduler and remote workers. Entries are
// claimed in submission order.
type Pool interface {
	// Submit queues a task and returns the entry id
	Submit(ctx context.Context, taskID uint64) (string, error)
	// Claim hands the oldest queued entry to workerID; nil when the queue is empty
	Claim(ctx context.Context, workerID string) (*Entry, error)
	// Heartbeat records that workerID is alive
	Heartbeat(ctx context.Context, workerID, hostname string) error
	// Finish removes the entry from the active set
	Finish(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*Entry, error)
	// Active lists queued and claimed entries
	Active(ctx context.Context) ([]*Entry, error)
	// WorkerAlive reports whether workerID sent a heartbeat within maxAge
	WorkerAlive(ctx context.Context, workerID string, maxAge time.Duration) (bool, error)
	Close() error
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
