package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/monitor"
	"github.com/cuemby/foreman/pkg/pool"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/types"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler daemon",
	Long: `Run recovery once, then dispatch created tasks, supervise dispatched
ones and serve /metrics, /health, /ready and /live.

Only one scheduler may run per data directory.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := log.WithComponent("scheduler")

	lock := scheduler.NewFileLock(filepath.Join(cfg.DataDir, "scheduler.lock"))
	if err := lock.TryLock(); err != nil {
		return err
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	a.withNotifier(events.BrokerNotifier{Broker: broker})

	var p pool.Pool
	if cfg.Scheduler.Environment == types.EnvironmentRemote {
		if p, err = a.openPool(ctx); err != nil {
			return err
		}
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent(metrics.ComponentDatabase, true, "")

	aborted, err := monitor.NewRecovery(a.store, p, a.notifier).Run(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	logger.Info().Int("aborted", len(aborted)).Msg("Recovery complete")

	var launcher scheduler.Launcher
	if p != nil {
		launcher = &scheduler.RemoteLauncher{Pool: p}
	} else {
		var args []string
		if a.configPath != "" {
			abs, err := filepath.Abs(a.configPath)
			if err != nil {
				return err
			}
			args = []string{"--config", abs}
		}
		launcher = &scheduler.LocalLauncher{Binary: cfg.Scheduler.RunnerBinary, Args: args, RunDir: cfg.RunDir}
	}

	sched := scheduler.NewScheduler(a.store, launcher, a.notifier, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		MaxRunning:   cfg.Scheduler.MaxRunning,
		LaunchRate:   cfg.Scheduler.LaunchRate,
		LaunchBurst:  cfg.Scheduler.LaunchBurst,
	})
	mon := monitor.NewMonitor(a.store, p, a.notifier, monitor.Config{
		Interval:          cfg.Scheduler.HealthcheckInterval,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
	})
	collector := metrics.NewCollector(a.store, 15*time.Second)

	sched.Start()
	defer sched.Stop()
	mon.Start()
	defer mon.Stop()
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return logEvents(gctx, broker) })
	if cfg.MetricsAddr != "" {
		serveMetrics(gctx, g, cfg.MetricsAddr)
	}

	logger.Info().
		Str("environment", string(cfg.Scheduler.Environment)).
		Int("max_running", cfg.Scheduler.MaxRunning).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("Scheduler running")

	err = g.Wait()
	logger.Info().Msg("Shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics runs the metrics endpoints until ctx is done
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	server := &http.Server{Addr: addr, Handler: metrics.NewMux(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}

// logEvents mirrors published events into the debug log
func logEvents(ctx context.Context, broker *events.Broker) error {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	logger := log.WithComponent("events")
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			logger.Debug().
				Str("event", string(ev.Type)).
				Uint64("task_id", ev.TaskID).
				Uint64("job_id", ev.JobID).
				Str("status", string(ev.Status)).
				Msg("Event")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
