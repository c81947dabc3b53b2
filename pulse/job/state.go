package job

import (
	"sync"

	"github.com/teranos/tessera/errors"
)

// State is the lifecycle state of a job on one executor.
type State int

const (
	// Idle waits for the next fire
	Idle State = iota
	// Running is executing a fire
	Running
	// StopRequested lets the current fire finish and fires nothing more
	StopRequested
	// Aborting is set while the executor shuts the job down
	Aborting
	// ForceStopped has cancelled its in-flight items
	ForceStopped
)

// ErrInvalidTransition is returned for a transition the table does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

var stateNames = map[State]string{
	Idle:          "idle",
	Running:       "running",
	StopRequested: "stop_requested",
	Aborting:      "aborting",
	ForceStopped:  "force_stopped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether s keeps the job from firing.
func (s State) Terminal() bool {
	return s == StopRequested || s == Aborting || s == ForceStopped
}

var transitions = map[State][]State{
	Idle:          {Running, StopRequested, Aborting, ForceStopped},
	Running:       {Idle, StopRequested, Aborting, ForceStopped},
	StopRequested: {Idle, Aborting, ForceStopped},
	ForceStopped:  {Idle, Aborting},
	Aborting:      {ForceStopped},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine guards a State. It is safe for concurrent use.
type Machine struct {
	mu    sync.Mutex
	state State
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom moves to the given state only when the machine is in from.
func (m *Machine) TransitionFrom(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return errors.Wrapf(ErrInvalidTransition, "expected %s, in %s", from, m.state)
	}
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	if m.state == to {
		return nil
	}
	if !CanTransition(m.state, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", m.state, to)
	}
	m.state = to
	return nil
}
