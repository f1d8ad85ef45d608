/*
Package types defines the domain model shared by every foreman component.

The package holds plain data: managed objects and their prototypes, actions
and their job specifications, tasks, jobs, logs and concerns. It has no
dependencies on storage or execution so that every other package can import
it.

# Managed Objects

Five object types form the managed estate:

	provider ──┐
	           └── host ──(hostcomponent)── component ── service ── cluster

  - Cluster: top-level installation
  - Service: belongs to a cluster
  - Component: belongs to a service of a cluster
  - Provider: owns hosts
  - Host: belongs to a provider, optionally added to a cluster

An ObjectRef ("cluster/42") addresses any of them. The host-component
mapping (HostComponent) says which components of a cluster are placed on
which hosts.

# Actions, Tasks and Jobs

An Action is defined on a prototype and expands into ordered JobSpecs. A
Task is one run of an action:

  - Owner: the object whose prototype defines the action
  - Target: the object the action is applied to; equals Owner unless the
    action is a host action, in which case Target is a host mapped to Owner

Each job of a task has a Seq equal to its creation order and jobs run
strictly in that order.

# State Machine

Tasks and jobs share one Status enum:

	created ──► scheduled ──┐
	   │                    ├──► running ──► success | failed | aborted | broken
	   └──────► queued ─────┘
	any non-terminal ──► aborted | broken
	failed | aborted | broken ──► running   (explicit restart only)

ValidateTransition enforces forward moves; ValidateReopen guards restarts.
A task is locked while it is being composed and becomes created once its
jobs and concern exist. revoked is terminal.

# State Deltas

StateDelta describes what an action does to its target's state and
multi-state on success or failure. ApplyTo is pure and idempotent: applying
the same delta twice gives the same result as applying it once.

# Concerns

A Concern is a lock (held by a blocking task), a flag (held by a
non-blocking task or raised explicitly) or an issue. Its Owner is the root
of the affected hierarchy; the concern package computes the hierarchy and
maintains the link table.
*/
package types
