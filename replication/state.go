package replication

import (
	"fmt"

	"github.com/c0deZ3R0/couchpull/cursor"
)

// State is the replicator's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	// StateIdle: caught up with the feed and nothing left to pull.
	StateIdle
	// StateActive: reading the backlog or pulling revisions.
	StateActive
	// StateOffline: the feed connection failed and is being retried.
	StateOffline
	StatePaused
	StateStoppedWithError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateOffline:
		return "offline"
	case StatePaused:
		return "paused"
	case StateStoppedWithError:
		return "stopped_with_error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Running reports whether a session exists in this state.
func (s State) Running() bool {
	switch s {
	case StateStarting, StateIdle, StateActive, StateOffline:
		return true
	}
	return false
}

// Status is a snapshot of a replicator.
type Status struct {
	State     State
	SessionID string

	// ChangesDiscovered and ChangesCompleted count revisions of the current
	// (or last) session. Completed includes revisions that were already
	// present and ones given up on.
	ChangesDiscovered int
	ChangesCompleted  int

	CheckpointSequence cursor.Cursor
	CaughtUp           bool

	// LastError is the most recent error, fatal or not. ErrorCount counts
	// all errors since the replicator was created.
	LastError  error
	ErrorCount int

	// DocumentsEvicted counts local documents removed because their view
	// stopped emitting them.
	DocumentsEvicted int
}

// Progress returns completed/discovered, or 1 when nothing was discovered.
func (s Status) Progress() float64 {
	if s.ChangesDiscovered == 0 {
		return 1
	}
	return float64(s.ChangesCompleted) / float64(s.ChangesDiscovered)
}
