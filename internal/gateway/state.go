package gateway

// State is the lifecycle state of a Session.
type State int

const (
	StateConnecting State = iota
	StateIdentifying
	StateResuming
	StateConnected
	StateAwaitingHeartbeatAck
	StateReconnecting
	StateClosed
)

var stateNames = [...]string{
	StateConnecting:           "connecting",
	StateIdentifying:          "identifying",
	StateResuming:             "resuming",
	StateConnected:            "connected",
	StateAwaitingHeartbeatAck: "awaiting_heartbeat_ack",
	StateReconnecting:         "reconnecting",
	StateClosed:               "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Live reports whether the session has a working, authenticated connection.
func (s State) Live() bool {
	return s == StateConnected || s == StateAwaitingHeartbeatAck
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
