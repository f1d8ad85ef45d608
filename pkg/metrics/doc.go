/*
Package metrics exposes Prometheus metrics and health endpoints for foreman
processes.

All vectors are registered with the default registry in init. The scheduler
daemon and the pool worker serve NewMux on the configured metrics address:

	/metrics   Prometheus exposition
	/health    every registered component, 503 if one is unhealthy
	/ready     critical components only (database and scheduler by default)
	/live      always 200 while the process runs

Counters fed by the engine:

	foreman_tasks_dispatched_total{environment}
	foreman_launch_failures_total
	foreman_jobs_finished_total{script_type,status}
	foreman_tasks_finished_total{status}
	foreman_monitor_aborted_tasks_total{reason}
	foreman_pool_heartbeats_total{worker}

Gauges refreshed by Collector from the repository:

	foreman_tasks_total{status}
	foreman_task_concerns_total{type}

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, string(job.ScriptType))
*/
package metrics
