package timing

// State is the connection lifecycle state.
type State int32

// Connection states. The numeric values are exported as the connection
// state gauge.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// command is an outbound control frame.
type command struct {
	Action         string   `json:"action"`
	RaceID         string   `json:"raceId"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)
