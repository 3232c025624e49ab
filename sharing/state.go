package sharing

// State is the position of a handshake
type State int

const (
	Idle State = iota
	AwaitingPeer
	Connected
	Verifying
	Granted
	Rejected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingPeer:
		return "awaiting_peer"
	case Connected:
		return "connected"
	case Verifying:
		return "verifying"
	case Granted:
		return "granted"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == Granted || s == Rejected
}
