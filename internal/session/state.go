package session

// State is the lifecycle phase of a session. Transitions are guarded by the
// session mutex; an illegal transition is a programming error that is logged
// and ignored rather than acted on.
type State int

const (
	StateUninitialized State = iota
	StateAttaching
	StateActive
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAttaching:
		return "attaching"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransition encodes the state machine. Closing is reachable from every
// live state so Close never has to fail.
func validTransition(from, to State) bool {
	switch from {
	case StateUninitialized:
		return to == StateAttaching || to == StateClosing
	case StateAttaching:
		return to == StateActive || to == StateClosing
	case StateActive:
		return to == StateDegraded || to == StateClosing
	case StateDegraded:
		return to == StateActive || to == StateClosing
	case StateClosing:
		return to == StateClosed
	case StateClosed:
		return false
	default:
		return false
	}
}
