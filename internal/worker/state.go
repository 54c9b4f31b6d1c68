package worker

import (
	"encoding/json"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
	StateSucceeded
	StateFailedFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateSucceeded:
		return "succeeded"
	case StateFailedFatal:
		return "failed_fatal"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Terminal reports whether the state ends a run. A terminal worker can only
// leave the state via a fresh restart.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateSucceeded || s == StateFailedFatal
}

// Transition is the narrow message a worker publishes to the supervisor.
// Workers never touch the registry directly; the supervisor serializes
// transitions from all workers onto one channel.
type Transition struct {
	AccountID string
	State     State
	At        time.Time

	// Progress snapshot, meaningful while Running and on terminal states.
	Attempts   int
	Interval   time.Duration // current backoff interval (pre-jitter)
	Domain     string        // availability domain of the last attempt
	LastError  string
	ResourceID string // set when State == StateSucceeded
}
