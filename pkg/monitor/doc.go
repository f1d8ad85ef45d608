/*
Package monitor supervises dispatched tasks and reconciles the repository
after a scheduler restart.

A task that left created is owned by a worker: a local runner process or a
pool worker slot. When that worker disappears nothing else will ever finish
the task, so the monitor does it: the task and its unfinished jobs become
aborted and the task's concerns are removed.

# Architecture

The monitor runs inside the scheduler process on a fixed interval
(healthcheck_interval, 60 seconds by default):

	┌────────────────────────────────────────────────────────────┐
	│                    Healthcheck Loop                        │
	│               (every healthcheck_interval)                 │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	      unfinished tasks, created skipped
	                 │
	    ┌────────────┼─────────────────────┐
	    │            │                     │
	    ▼            ▼                     ▼
	┌─────────┐ ┌─────────────┐    ┌──────────────┐
	│   no    │ │ LocalProbe  │    │  PoolProbe   │
	│ worker  │ │ kill(pid,0) │    │ entry state, │
	│ > 2·int │ │   ESRCH?    │    │  heartbeat   │
	└────┬────┘ └──────┬──────┘    └──────┬───────┘
	     │             │                  │
	     └─────────────┴────────┬─────────┘
	                            ▼
	              task + jobs aborted, concerns removed,
	              event published, counter incremented

A pool entry is alive while it is queued, or while it is claimed by a worker
whose heartbeat is younger than twice the heartbeat interval and the entry is
still in the active set.

# Recovery

Recovery runs once before the scheduler starts dispatching:

	rec := monitor.NewRecovery(store, pool, notifier)
	aborted, err := rec.Run(ctx)

  - local tasks are aborted: their runner did not survive the restart
  - remote tasks are aborted unless their entry is in the pool's active set
  - created tasks are left for dispatch

# Usage

	mon := monitor.NewMonitor(store, pool, notifier, monitor.Config{
		Interval:          cfg.Scheduler.HealthcheckInterval,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
	})
	mon.Start()
	defer mon.Stop()

Aborts are counted in foreman_monitor_aborted_tasks_total by reason:
worker_dead, no_worker and recovery.
*/
package monitor
