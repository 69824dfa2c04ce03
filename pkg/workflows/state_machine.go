package workflows

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is a named lifecycle state.
type State string

// StateMachine enforces a fixed transition table
type StateMachine struct {
	allowedTransitions map[State][]State
}

// NewStateMachine creates a state machine from the allowed transitions. States
// mapped to an empty list are terminal.
func NewStateMachine(transitions map[State][]State) *StateMachine {
	allowed := make(map[State][]State, len(transitions))
	for from, to := range transitions {
		allowed[from] = append([]State(nil), to...)
	}
	return &StateMachine{allowedTransitions: allowed}
}

// CanTransition checks if a transition is allowed
func (sm *StateMachine) CanTransition(from, to State) bool {
	for _, allowedTo := range sm.allowedTransitions[from] {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// Transition returns to if the move is allowed.
func (sm *StateMachine) Transition(from, to State) (State, error) {
	if !sm.CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// GetAllowedTransitions returns the allowed next states for a given state
func (sm *StateMachine) GetAllowedTransitions(from State) []State {
	allowed, exists := sm.allowedTransitions[from]
	if !exists {
		return []State{}
	}
	return append([]State(nil), allowed...)
}

// IsTerminal reports whether no transition leaves s.
func (sm *StateMachine) IsTerminal(s State) bool {
	return len(sm.allowedTransitions[s]) == 0
}
