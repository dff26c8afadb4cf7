// Package fleet defines the core entities of the runner fleet: runner
// groups with their scaling policy, runners with their lifecycle state
// machine, and the transient job projection used for scaling decisions.
package fleet

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Runner.
type State string

// Runner lifecycle states.  The happy path is
//
//	requested → provisioning → registering → idle ⇄ busy → draining →
//	terminating → terminated
//
// failed is reachable from every non-terminal state and is cleaned up
// through terminating like a drained runner.
const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateRegistering  State = "registering"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateDraining     State = "draining"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// AllStates lists every lifecycle state, ordered along the happy path.
var AllStates = []State{
	StateRequested,
	StateProvisioning,
	StateRegistering,
	StateIdle,
	StateBusy,
	StateDraining,
	StateTerminating,
	StateTerminated,
	StateFailed,
}

// ErrInvalidTransition is returned when a requested state change is not
// permitted by the lifecycle graph.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the permitted next states per state.  failed is
// handled separately in CanTransition so the table stays readable.
var transitions = map[State][]State{
	StateRequested:    {StateProvisioning},
	StateProvisioning: {StateRegistering},
	StateRegistering:  {StateIdle},
	StateIdle:         {StateBusy, StateDraining},
	StateBusy:         {StateIdle},
	StateDraining:     {StateTerminating},
	StateTerminating:  {StateTerminated},
	StateTerminated:   nil,
	StateFailed:       {StateTerminating},
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is the final state.  A terminated runner's
// record is removed once the backend has confirmed instance deletion.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// CanTransition reports whether the lifecycle graph permits moving from
// s to next.  Every non-terminal state may move to failed.
func (s State) CanTransition(next State) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if next == StateFailed {
		return !s.Terminal() && s != StateFailed
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Serving reports whether a runner in this state counts toward the
// group's available capacity when the reconciler compares desired
// against actual.  Draining runners still occupy an instance but serve
// no further jobs, so they are excluded here.
func (s State) Serving() bool {
	switch s {
	case StateRequested, StateProvisioning, StateRegistering, StateIdle, StateBusy:
		return true
	}
	return false
}

// Occupies reports whether a runner in this state holds one of the
// group's bounded instance slots.
func (s State) Occupies() bool {
	return s.Serving() || s == StateDraining
}

func (s State) String() string { return string(s) }

// invalidTransition builds the error for a rejected state change.
func invalidTransition(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
