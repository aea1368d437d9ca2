package ws

// State is the lifecycle state of one socket endpoint.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
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
	default:
		return "unknown"
	}
}

// validTransition reports whether moving from one state to another is legal.
// Closing always funnels back to idle before the next connect attempt.
func validTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateConnecting
	case StateConnecting:
		return to == StateOpen || to == StateClosing || to == StateIdle
	case StateOpen:
		return to == StateClosing
	case StateClosing:
		return to == StateIdle
	default:
		return false
	}
}
