// Package composer turns an action request into a created task.
//
// Compose validates the request against the action definition, snapshots
// the host-component mapping of the target cluster and persists the task,
// its ordered jobs, their log rows and the concern the task holds while it
// is unfinished. A failure after the task row exists leaves the task broken
// with no concerns.
package composer
