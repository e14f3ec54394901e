package connection

import "time"

// State is the connection state of the single managed peripheral
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Handle describes the active connection attempt or connection.
// The zero value is the idle handle.
type Handle struct {
	PeripheralID string    `json:"peripheral_id,omitempty"`
	State        State     `json:"-"`
	Attempt      uint64    `json:"attempt,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Deadline     time.Time `json:"deadline,omitempty"`
}

// Transition reports a state change. Err is set for transitions caused by a failure.
type Transition struct {
	From         State
	To           State
	PeripheralID string
	Attempt      uint64
	Err          error
}

// DisconnectOutcome tells the caller what BeginDisconnect did
type DisconnectOutcome int

const (
	// DisconnectNoop means the machine was idle or already disconnecting
	DisconnectNoop DisconnectOutcome = iota
	// DisconnectCancelled means a pending attempt was abandoned and the machine is idle
	DisconnectCancelled
	// DisconnectStarted means the machine moved from connected to disconnecting
	DisconnectStarted
)
