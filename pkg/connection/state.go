package connection

import "fmt"

type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// edges are the allowed transitions, Failed is reachable from anywhere.
var edges = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Disconnected},
	Failed:       {Connecting, Disconnected},
}

// CanGo tells if the machine may move from s to the next state.
func (s State) CanGo(next State) bool {
	if next == Failed {
		return s != Failed
	}
	for _, to := range edges[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Reason is why a session teardown is requested.
type Reason uint8

const (
	// ExplicitLeave is a user leaving the room, it ends the session.
	ExplicitLeave Reason = iota
	// Navigation is a user going away from the room page, the session stays.
	Navigation
)

func (r Reason) String() string {
	if r == Navigation {
		return "navigation"
	}
	return "explicit-leave"
}
