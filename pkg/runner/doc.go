/*
Package runner executes one task from start to its terminal status.

Run moves the task to running, runs its jobs in order through the executor
factory and applies the task effects in a single transaction: the state
delta on the task target, the host-component mapping for actions that
change it, the maintenance mode of maintenance actions, concern removal and
the terminal status.

Job results map to statuses as follows:

	exit 0                          success
	exit != 0                       failed
	killed, or any failure after a
	cancel request                  aborted
	build or start error            broken

The first non-success job stops the loop and decides the task status; jobs
that never ran are aborted. Terminate requests cancellation: the running job
is terminated when its allow_to_terminate flag permits it, otherwise the
cancel waits for the job boundary. A repository error or panic inside Run
leaves the task broken with its concerns removed.

Restart reopens a failed, aborted or broken task, resets every job that did
not succeed and runs them again under a fresh lock.
*/
package runner
