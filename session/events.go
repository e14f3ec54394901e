package session

import (
	"errors"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/transfer"
	"github.com/srg/blemgr/pkg/connection"
)

// EventKind names an observer channel
type EventKind string

const (
	EventScanResults   EventKind = "scan_results"
	EventConnectResult EventKind = "connect_result"
	EventData          EventKind = "data"
	EventError         EventKind = "error"
	EventStateChange   EventKind = "state_change"
	EventWriteComplete EventKind = "write_complete"
)

// ConnectResult is the outcome of a connect request
type ConnectResult struct {
	PeripheralID string `json:"peripheral_id"`
	// Reconnected is set when the peripheral was already connected
	Reconnected bool  `json:"reconnected,omitempty"`
	Err         error `json:"-"`
}

// Success reports whether the connection is established
func (r ConnectResult) Success() bool {
	return r.Err == nil
}

// Reason returns the failure reason, "" on success
func (r ConnectResult) Reason() device.FailureReason {
	var cf *device.ConnectionFailedError
	if errors.As(r.Err, &cf) {
		return cf.Reason
	}
	return ""
}

// ErrorEvent is delivered to error observers
type ErrorEvent struct {
	Kind         device.ErrorKind `json:"kind"`
	Message      string           `json:"message"`
	PeripheralID string           `json:"peripheral_id,omitempty"`
	// RequestID identifies the transfer request the error belongs to
	RequestID string `json:"request_id,omitempty"`
	Err       error  `json:"-"`
}

func newErrorEvent(err error, peripheralID string) ErrorEvent {
	return ErrorEvent{
		Kind:         device.KindOf(err),
		Message:      err.Error(),
		PeripheralID: peripheralID,
		Err:          err,
	}
}

// StateChange is delivered on every connection state transition
type StateChange struct {
	From         connection.State
	To           connection.State
	PeripheralID string
	Err          error
}

// WriteComplete is delivered once per successful write
type WriteComplete struct {
	RequestID      string `json:"request_id"`
	Characteristic string `json:"characteristic"`
	Size           int    `json:"size"`
}

// Stats summarizes a session
type Stats struct {
	State       string         `json:"state"`
	Peripheral  string         `json:"peripheral,omitempty"`
	Scanning    bool           `json:"scanning"`
	Peripherals int            `json:"peripherals"`
	Transfer    transfer.Stats `json:"transfer"`
}
