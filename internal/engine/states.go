// Package engine drives workflow executions to completion: it validates
// state transitions, computes the next commands from the execution graph,
// runs task policies, and routes action results back into the graph.
package engine

import (
	"github.com/millrace/mill/internal/errors"
)

// State is an execution state shared by workflow, task and action
// executions.
type State string

const (
	StateIdle           State = "IDLE"
	StateWaiting        State = "WAITING"
	StateRunning        State = "RUNNING"
	StateRunningDelayed State = "DELAYED"
	StatePaused         State = "PAUSED"
	StateSuccess        State = "SUCCESS"
	StateError          State = "ERROR"
)

// validTransitions lists the allowed next states per state. A same-state
// transition is always allowed.
var validTransitions = map[State][]State{
	StateIdle:           {StateRunning, StateError},
	StateWaiting:        {StateRunning},
	StateRunning:        {StatePaused, StateRunningDelayed, StateSuccess, StateError},
	StateRunningDelayed: {StateRunning, StateError},
	StatePaused:         {StateRunning, StateError},
	StateSuccess:        {},
	StateError:          {StateRunning},
}

// IsValidTransition reports whether from → to is allowed.
func IsValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state is final.
func IsTerminal(s State) bool {
	return s == StateSuccess || s == StateError
}

// IsPausedOrIdle reports whether the execution has not started or is held.
func IsPausedOrIdle(s State) bool {
	return s == StatePaused || s == StateIdle
}

// checkTransition returns an INVALID_STATE error when from → to is not in
// the transition table. State is never mutated on a failed check.
func checkTransition(entity string, from, to State) error {
	if !IsValidTransition(from, to) {
		return errors.InvalidState(
			"%s can't transition from %q to %q", entity, from, to)
	}
	return nil
}
