package transport

// State is the externally visible connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	// StateDisconnected covers both a failed dial and a dropped connection.
	StateDisconnected
	// StateFailed is terminal: the broker rejected the credential or endpoint.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is delivered to every observer on each transition. Reconnected is
// set on Connected when an earlier connection had been established, which is
// the signal to replay subscriptions and re-announce presence.
type Status struct {
	State       State
	Reconnected bool
	Attempt     int
	Err         error
}
