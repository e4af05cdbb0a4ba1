package conn

// State is the connection lifecycle position. Exactly one holds at a time;
// transitions are monotonic within a single connect attempt.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the externally observable connection state: the position in the
// lifecycle, the failure that put it there, and the post-auth credential.
type Status struct {
	State State
	Err   error
	Token string
}
