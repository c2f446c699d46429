package client

import (
	"errors"
	"fmt"
)

// State is a phase of a client session.
type State string

// Session states.
const (
	StateIdle              State = "idle"
	StateAwaitingLocalLoad State = "awaiting-local-load"
	StateConnecting        State = "connecting"
	StateAuthenticating    State = "authenticating"
	StateSyncing           State = "syncing"
	StateConnected         State = "connected"
	StateDisconnected      State = "disconnected"
	StateError             State = "error"
	StateClosed            State = "closed"
)

// ErrInvalidTransition indicates a state change the machine does not allow.
var ErrInvalidTransition = errors.New("client: invalid state transition")

var transitions = map[State][]State{
	StateIdle:              {StateAwaitingLocalLoad, StateClosed},
	StateAwaitingLocalLoad: {StateConnecting, StateError, StateClosed},
	StateConnecting:        {StateAuthenticating, StateDisconnected, StateError, StateClosed},
	StateAuthenticating:    {StateSyncing, StateDisconnected, StateError, StateClosed},
	StateSyncing:           {StateConnected, StateDisconnected, StateClosed},
	StateConnected:         {StateDisconnected, StateClosed},
	StateDisconnected:      {StateConnecting, StateClosed},
	StateError:             {StateClosed},
}

// CanTransition reports whether the machine allows from -> to.
func CanTransition(from State, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(from State, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
