package peers

// ConnState is the connection lifecycle position for one peer.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Terminal reports whether the peer has left the active set for good.
func (s ConnState) Terminal() bool { return s == StateDisconnected }

// Role marks which peer drives canonical playback state.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)
