package connection

import (
	"time"
)

// Nordic UART Service identifiers, the default data channel
const (
	// SerialServiceUUID is the standard Nordic UART Service UUID for BLE serial communication
	SerialServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	// SerialTxCharUUID is the TX characteristic (device -> client)
	SerialTxCharUUID = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
	// SerialRxCharUUID is the RX characteristic (client -> device)
	SerialRxCharUUID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
)

// DefaultConnectTimeout bounds a connection attempt
const DefaultConnectTimeout = 5 * time.Second

// Timer is a stoppable pending callback
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests replace it to fire timeouts on demand.
type AfterFunc func(d time.Duration, f func()) Timer

// RealAfterFunc schedules with time.AfterFunc
func RealAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Machine
type Options struct {
	Timeout time.Duration
	// AfterFunc arms the connect timeout; defaults to RealAfterFunc
	AfterFunc AfterFunc
	// Now defaults to time.Now
	Now func() time.Time
	// OnTimeout is invoked from the timer with the attempt that expired.
	// The owner is expected to call Machine.Timeout from its own goroutine.
	OnTimeout func(attempt uint64)
	// OnTransition is invoked after every state change, outside the machine lock
	OnTransition func(Transition)
}

// DefaultOptions returns options with the default connect timeout
func DefaultOptions() Options {
	return Options{
		Timeout:   DefaultConnectTimeout,
		AfterFunc: RealAfterFunc,
		Now:       time.Now,
	}
}
