package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/types"
)

// Probe reports whether the worker of a dispatched task is still alive
type Probe interface {
	Alive(ctx context.Context, task *types.Task) (bool, error)
}

// LocalProbe checks the runner pid with kill(pid, 0)
type LocalProbe struct{}

func (LocalProbe) Alive(_ context.Context, task *types.Task) (bool, error) {
	pid, err := strconv.Atoi(task.Worker.WorkerID)
	if err != nil || pid <= 0 {
		// an unparsable pid can never be signalled
		return false, nil
	}
	return ProcessAlive(pid), nil
}

// ProcessAlive reports whether pid exists. EPERM means it exists but
// belongs to someone else.
func ProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || !errors.Is(err, unix.ESRCH)
}

// PoolProbe checks a remote task through its pool entry
type PoolProbe struct {
	Pool pool.Pool
	// MaxAge is the oldest worker heartbeat still considered alive
	MaxAge time.Duration
}

// Alive holds while the entry is queued, or claimed by a worker with a
// fresh heartbeat and still part of the pool's active set.
func (p *PoolProbe) Alive(ctx context.Context, task *types.Task) (bool, error) {
	entry, err := p.Pool.Get(ctx, task.Worker.WorkerID)
	if errors.Is(err, pool.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read pool entry: %w", err)
	}

	switch entry.Status {
	case pool.EntryQueued:
		return true, nil
	case pool.EntryClaimed:
		alive, err := p.Pool.WorkerAlive(ctx, entry.WorkerID, p.MaxAge)
		if err != nil {
			return false, err
		}
		if !alive {
			return false, nil
		}
		return inActive(ctx, p.Pool, entry.ID)
	default:
		return false, nil
	}
}

func inActive(ctx context.Context, p pool.Pool, id string) (bool, error) {
	active, err := p.Active(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range active {
		if e.ID == id {
			return true, nil
		}
	}
	return false, nil
}
