package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/runner"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a remote pool worker",
	Long: `Claim queued pool entries and run their tasks in-process, up to
pool.slots at a time. The worker heartbeats so the scheduler's monitor can
tell it is alive, and forwards cancel requests to the running tasks.

The worker id must be stable across restarts: a restarted worker releases
the entries its previous run left claimed.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("id", "", "Worker id (default: hostname)")
	workerCmd.Flags().Int("slots", 0, "Concurrent tasks (default: pool.slots)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	hostname, _ := os.Hostname()
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		id = hostname
	}
	slots, _ := cmd.Flags().GetInt("slots")
	if slots <= 0 {
		slots = cfg.Pool.Slots
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := a.openPool(ctx)
	if err != nil {
		return err
	}

	factory := a.factory()
	newRunner := func() pool.TaskRunner {
		return runner.New(a.store, factory, a.notifier)
	}
	w, err := pool.NewWorker(pool.WorkerConfig{
		ID:                id,
		Hostname:          hostname,
		Slots:             slots,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
		PollInterval:      cfg.Pool.PollInterval,
		JournalPath:       filepath.Join(cfg.DataDir, fmt.Sprintf("worker-%s.db", id)),
	}, p, newRunner)
	if err != nil {
		return err
	}

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents(metrics.ComponentDatabase, metrics.ComponentPool)
	metrics.RegisterComponent(metrics.ComponentDatabase, true, "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if cfg.MetricsAddr != "" {
		serveMetrics(gctx, g, cfg.MetricsAddr)
	}

	logger := log.WithComponent("pool-worker")
	logger.Info().
		Str("worker_id", id).
		Int("slots", slots).
		Str("backend", cfg.Pool.Backend).
		Msg("Worker running")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
