package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/runner"
)

// TaskRunner runs one claimed task. *runner.Runner implements it.
type TaskRunner interface {
	Run(ctx context.Context, taskID uint64, mode runner.Mode) error
	Terminate()
}

// WorkerConfig configures a pool worker
type WorkerConfig struct {
	ID                string
	Hostname          string
	Slots             int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	JournalPath       string
}

// Worker claims pool entries and runs them in up to Slots concurrent runners
type Worker struct {
	cfg       WorkerConfig
	pool      Pool
	newRunner func() TaskRunner
	journal   *Journal
	slots     *semaphore.Weighted
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[string]TaskRunner
}

// NewWorker creates a worker. newRunner is called once per claimed entry.
func NewWorker(cfg WorkerConfig, pool Pool, newRunner func() TaskRunner) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	journal, err := OpenJournal(cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:       cfg,
		pool:      pool,
		newRunner: newRunner,
		journal:   journal,
		slots:     semaphore.NewWeighted(int64(cfg.Slots)),
		logger:    log.WithComponent("pool-worker").With().Str("worker_id", cfg.ID).Logger(),
		running:   map[string]TaskRunner{},
	}, nil
}

// Run heartbeats and claims entries until ctx is done. On shutdown every
// running task is terminated and Run waits for the slots to drain.
func (w *Worker) Run(ctx context.Context) error {
	defer w.journal.Close()

	if err := w.releaseAbandoned(ctx); err != nil {
		return err
	}
	metrics.RegisterComponent(metrics.ComponentPool, true, "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.claimLoop(gctx) })
	err := g.Wait()

	w.terminateAll()
	// wait for every slot to be released
	if aerr := w.slots.Acquire(context.Background(), int64(w.cfg.Slots)); aerr == nil {
		w.slots.Release(int64(w.cfg.Slots))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// releaseAbandoned finishes the entries a previous run of this worker left
// claimed, so supervision aborts their tasks.
func (w *Worker) releaseAbandoned(ctx context.Context) error {
	records, err := w.journal.List()
	if err != nil {
		return err
	}
	for _, rec := range records {
		w.logger.Warn().Str("entry_id", rec.ID).Uint64("task_id", rec.TaskID).Msg("Releasing abandoned pool entry")
		if err := w.pool.Finish(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to release entry %s: %w", rec.ID, err)
		}
		if err := w.journal.Remove(rec.ID); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		w.heartbeat(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.pool.Heartbeat(hctx, w.cfg.ID, w.cfg.Hostname); err != nil {
		w.logger.Warn().Err(err).Msg("Heartbeat failed")
		metrics.UpdateComponent(metrics.ComponentPool, false, err.Error())
		return
	}
	metrics.PoolHeartbeats.WithLabelValues(w.cfg.ID).Inc()
	metrics.UpdateComponent(metrics.ComponentPool, true, "")
}

func (w *Worker) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.claimAvailable(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// claimAvailable fills free slots with queued entries
func (w *Worker) claimAvailable(ctx context.Context) {
	for w.slots.TryAcquire(1) {
		entry, err := w.pool.Claim(ctx, w.cfg.ID)
		if err != nil {
			w.slots.Release(1)
			if ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("Failed to claim pool entry")
			}
			return
		}
		if entry == nil {
			w.slots.Release(1)
			return
		}
		if err := w.journal.Add(entry); err != nil {
			w.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("Failed to journal claimed entry")
		}
		r := w.newRunner()
		w.mu.Lock()
		w.running[entry.ID] = r
		w.mu.Unlock()
		go w.runEntry(entry, r)
	}
}

func (w *Worker) runEntry(entry *Entry, r TaskRunner) {
	defer w.slots.Release(1)
	metrics.PoolSlotsBusy.Inc()
	defer metrics.PoolSlotsBusy.Dec()

	logger := w.logger.With().Str("entry_id", entry.ID).Uint64("task_id", entry.TaskID).Logger()

	ctx, stop := context.WithCancel(context.Background())
	go w.watchCancel(ctx, entry, r)

	logger.Info().Msg("Running pool entry")
	if err := r.Run(ctx, entry.TaskID, runner.Start); err != nil {
		logger.Error().Err(err).Msg("Runner failed")
	}
	stop()

	w.mu.Lock()
	delete(w.running, entry.ID)
	w.mu.Unlock()

	fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.pool.Finish(fctx, entry.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to finish pool entry")
		return
	}
	if err := w.journal.Remove(entry.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove entry from journal")
	}
}

// watchCancel forwards a pool cancel request to the runner
func (w *Worker) watchCancel(ctx context.Context, entry *Entry, r TaskRunner) {
	if entry.CancelRequested {
		r.Terminate()
		return
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			requested, err := w.pool.CancelRequested(ctx, entry.ID)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Debug().Err(err).Str("entry_id", entry.ID).Msg("Failed to poll cancel request")
				}
				continue
			}
			if requested {
				w.logger.Info().Str("entry_id", entry.ID).Msg("Cancel requested for pool entry")
				r.Terminate()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) terminateAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, r := range w.running {
		w.logger.Info().Str("entry_id", id).Msg("Terminating task on shutdown")
		r.Terminate()
	}
}
