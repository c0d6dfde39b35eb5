package dispatch

// State is a phase of one bidirectional session.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateBound
	StateClosing
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateBound:
		return "bound"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
