/*
Package pool is the queue between the scheduler and remote workers.

The scheduler submits a task and stores the returned entry id in the task
worker descriptor. A Worker claims entries in submission order, runs each
in its own runner slot and finishes the entry when the runner returns.
Workers heartbeat on every interval; supervision treats a claimed entry as
alive only while its worker heartbeat is fresh.

Two backends share the Pool interface: SQLPool stores entries in the
pool_tasks and pool_workers tables of the repository database, RedisPool
keeps them in lists, hashes and a set under a key prefix.

Each worker journals claimed entries in a local bbolt file. On start it
finishes whatever the journal still holds, since a runner that died with
the previous process cannot resume its task.
*/
package pool
