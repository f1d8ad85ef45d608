/*
Package log provides structured logging for foreman using zerolog.

A package-level Logger is usable before Init is called (JSON to stderr) so
that library code and tests never log into a nil writer. Daemons call Init
once at startup with the configured level and format.

	┌──────────────── LOGGING ────────────────┐
	│  log.Init(Config)                        │
	│    Level: debug/info/warn/error          │
	│    JSONOutput: JSON or console           │
	│    File: rotating JSON file (lumberjack) │
	│                                          │
	│  Context loggers                         │
	│    WithComponent("scheduler")            │
	│    WithTaskID(42)                        │
	│    WithJobID(42, 7)                      │
	└──────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("runner")
	logger.Info().Uint64("task_id", id).Msg("Task started")

	jl := log.WithJobID(task.ID, job.ID)
	jl.Warn().Int("exit_code", 1).Msg("Job failed")

The runner process logs to stderr, which the local launcher redirects into
<run_dir>/task-<id>.log. Job output itself never goes through this package;
executors write it to the per-job stdout and stderr files.
*/
package log
