package sync

// ConnectionState tracks the shared lifecycle every adapter moves
// through: Disconnected -> Connecting -> Connected -> Reconnecting ->
// Connecting -> ... with Disconnected reachable from any state via an
// explicit Disconnect.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
