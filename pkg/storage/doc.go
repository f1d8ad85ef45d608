/*
Package storage provides the relational repository behind foreman.

The scheduler, every runner process and every pool worker open the same
database, so storage is a shared relational database accessed through gorm
rather than an embedded single-process file. Three backends are supported:

  - sqlite: pure-Go modernc driver, WAL journal, busy timeout and immediate
    transactions so concurrent processes queue on the write lock
  - mysql
  - postgres

# Architecture

	┌──────────────────── REPOSITORY ──────────────────────────┐
	│                                                            │
	│  Store (GormStore)                                         │
	│    ├─ Tx methods: auto-committed single operations         │
	│    └─ Update(ctx, fn): one transaction, retried on         │
	│         SQLITE_BUSY / mysql deadlock / pg serialization    │
	│                                                            │
	│  Tables                                                    │
	│    task, job, log                     task lifecycle       │
	│    concern, concern_link              lock/flag adjacency  │
	│    cluster, service, component,       managed objects      │
	│    provider, host                                          │
	│    hostcomponent                      placement mapping    │
	│    prototype, action                  bundle definitions   │
	└────────────────────────────────────────────────────────────┘

# Status Patches

UpdateTask and UpdateJob accept partial patches restricted to mutable
fields (status, pid, worker descriptor, lock id). Status changes are
validated against the state machine in pkg/types, and the repository owns
the timestamps:

  - the first move to running stamps start_time
  - every move to a terminal status stamps finish_time

ReopenTask and ResetJob are the only ways out of a terminal status and are
used by the restart runner.

# Host-Component Locking

LockHostComponents reads a cluster's mapping with SELECT ... FOR UPDATE on
mysql and postgres so that post-run effects serialize on the mapping. SQLite
transactions are opened with _txlock=immediate and already hold the database
write lock.

# Usage

	store, err := storage.Open(storage.Config{Driver: "sqlite", DSN: "/var/lib/foreman/foreman.db"})
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.UpdateTask(id, storage.StatusPatch(types.StatusRunning)); err != nil {
			return err
		}
		return tx.UpdateObjectState(task.Target, "installed")
	})

Errors wrap ErrNotFound and ErrInvalidTransition and are tested with
errors.Is.
*/
package storage
