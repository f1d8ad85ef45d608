/*
Package scheduler dispatches created tasks to runners and cancels them.

The scheduler is the only process that moves a task out of created. It runs
as a single instance per data directory, guarded by an exclusive flock on
<data_dir>/scheduler.lock, and hands each eligible task to a Launcher.

# Architecture

Each tick (1 second by default) the scheduler reads every unfinished task
and walks the created ones in id order:

	┌────────────────────────────────────────────────────────────┐
	│                    Scheduler Loop                          │
	│                  (every tick_interval)                     │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. RetrieveUnfinishedTasks, count dispatched ones         │
	│  2. For each created task, lowest id first:                │
	│     • stop when max_running tasks are in flight            │
	│     • skip when another task's blocking lock covers the    │
	│       target and that task is dispatched or older          │
	│     • stop when the launch rate limit is exhausted         │
	│     • dispatch through the launcher                        │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    │                         │
	    ▼                         ▼
	┌─────────────┐       ┌──────────────┐
	│    Local    │       │    Remote    │
	│  Launcher   │       │   Launcher   │
	└─────┬───────┘       └──────┬───────┘
	      │                      │
	      ▼                      ▼
	  scheduled,             queued,
	  fork runner            pool entry
	  {local, pid}           {remote, id}

A launch failure marks the task broken and removes its concerns. Every
dispatch publishes a task status event.

# Core Components

Scheduler: the dispatch loop.

	sched := scheduler.NewScheduler(store, &scheduler.LocalLauncher{RunDir: dir}, notifier,
		scheduler.Config{TickInterval: time.Second, MaxRunning: 10})
	sched.Start()
	defer sched.Stop()

LocalLauncher runs `foreman runner start <id>` in its own process group with
output appended to <run_dir>/task-<id>.log. RemoteLauncher submits the task
to a pool.Pool and lets a pool worker claim it.

Terminator: cancellation wherever the task runs.

	term := scheduler.NewTerminator(store, pool, notifier, 10*time.Second)
	err := term.Terminate(ctx, taskID)

  - created: aborted at once, concerns removed
  - local: SIGTERM to the runner; after the grace window SIGKILL to its
    process group and the task and its unfinished jobs are marked broken
  - remote: a cancel request is posted to the pool entry

FileLock: the single-instance guard.

	lock := scheduler.NewFileLock(filepath.Join(dataDir, "scheduler.lock"))
	if err := lock.TryLock(); err != nil {
		return err // ErrLocked when another scheduler runs
	}
	defer lock.Unlock()

# Metrics

  - foreman_dispatch_latency_seconds: created_at to dispatch
  - foreman_tasks_dispatched_total{environment}
  - foreman_launch_failures_total
  - foreman_scheduler_tick_seconds

# Integration Points

The monitor package supervises what the scheduler dispatched: a local runner
that dies or a pool entry that loses its worker gets its task aborted. The
runner package takes a dispatched task from scheduled or queued through
running to its terminal status.
*/
package scheduler
