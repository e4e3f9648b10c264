package chat

import "slices"

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// allowedTransitions lists every legal move of the session state machine.
var allowedTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateIdle, StateFailed},
	StateOpen:       {StateIdle, StateFailed, StateClosing},
	StateClosing:    {StateIdle},
	StateFailed:     {StateIdle},
}

func canTransition(from, to State) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Status is the consumer-facing projection of a session's state.
type Status struct {
	State        State
	IsConnected  bool
	IsConnecting bool
	HasError     bool
}

func StatusOf(s State) Status {
	return Status{
		State:        s,
		IsConnected:  s == StateOpen,
		IsConnecting: s == StateConnecting,
		HasError:     s == StateFailed,
	}
}
