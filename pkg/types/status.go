package types

import "fmt"

// Status is the lifecycle state shared by tasks and jobs
type Status string

const (
	StatusCreated   Status = "created"
	StatusScheduled Status = "scheduled"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusBroken    Status = "broken"
	StatusRevoked   Status = "revoked"
	StatusLocked    Status = "locked"
)

var terminalStatuses = map[Status]bool{
	StatusSuccess: true,
	StatusFailed:  true,
	StatusAborted: true,
	StatusBroken:  true,
	StatusRevoked: true,
}

// created -> scheduled|queued -> running -> terminal; any non-terminal
// status may be cut short to aborted or broken.
var validTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusScheduled: true,
		StatusQueued:    true,
		StatusRunning:   true,
		StatusAborted:   true,
		StatusBroken:    true,
		StatusRevoked:   true,
	},
	StatusScheduled: {
		StatusRunning: true,
		StatusAborted: true,
		StatusBroken:  true,
	},
	StatusQueued: {
		StatusRunning: true,
		StatusAborted: true,
		StatusBroken:  true,
	},
	StatusRunning: {
		StatusSuccess: true,
		StatusFailed:  true,
		StatusAborted: true,
		StatusBroken:  true,
	},
	StatusLocked: {
		StatusCreated: true,
		StatusAborted: true,
		StatusBroken:  true,
	},
}

// restartable statuses may be reopened by an explicit restart
var restartable = map[Status]bool{
	StatusFailed:  true,
	StatusAborted: true,
	StatusBroken:  true,
}

// IsTerminal reports whether no further transition is expected
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsDispatched reports whether a worker has been assigned to the task
func (s Status) IsDispatched() bool {
	return s == StatusScheduled || s == StatusQueued || s == StatusRunning
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	if terminalStatuses[s] {
		return true
	}
	_, ok := validTransitions[s]
	return ok
}

// ValidateTransition checks a forward status change. Repeating a
// non-terminal status is allowed.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q", to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	if from == to {
		return nil
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid status transition: %q → %q", from, to)
	}
	return nil
}

// ValidateReopen checks that a finished task or job may be restarted
func ValidateReopen(from Status) error {
	if !restartable[from] {
		return fmt.Errorf("cannot restart from status %q", from)
	}
	return nil
}

// Unfinished lists every non-terminal status
func Unfinished() []Status {
	return []Status{StatusCreated, StatusScheduled, StatusQueued, StatusRunning, StatusLocked}
}
