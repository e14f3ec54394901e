package device

import (
	"context"
)

// RadioState reports the availability of the host Bluetooth radio
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioPoweredOn
	RadioPoweredOff
	RadioUnauthorized
	RadioUnsupported
)

func (s RadioState) String() string {
	switch s {
	case RadioPoweredOn:
		return "powered_on"
	case RadioPoweredOff:
		return "powered_off"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Available reports whether the radio can scan and dial.
func (s RadioState) Available() bool {
	return s == RadioPoweredOn
}

// ScanningDevice represents a BLE device capable of scanning for advertisements.
// Scan blocks until ctx is done or the radio fails.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Radio is the capability set of the host Bluetooth stack the session manager
// depends on: discovery, dialing and radio state.
type Radio interface {
	ScanningDevice

	State() RadioState
	// Ready confirms the radio can scan and dial right now and fails with
	// ErrRadioUnavailable otherwise. Backends that only learn the platform state
	// from operations refresh State here.
	Ready(ctx context.Context) error
	// WatchState registers fn for radio state changes; the returned func unregisters it.
	WatchState(fn func(RadioState)) (cancel func())
	Dial(ctx context.Context, address string) (Link, error)
	Close() error
}

// NotificationHandler receives the value of a notified or indicated characteristic
type NotificationHandler func(data []byte)

// Link is an established connection to one peripheral.
// Characteristics are addressed by their normalized UUID.
type Link interface {
	Address() string
	// MaxPayload is the largest value a single write may carry (negotiated MTU - 3).
	MaxPayload() int
	HasCharacteristic(uuid string) bool
	Subscribe(uuid string, handler NotificationHandler) error
	Write(ctx context.Context, uuid string, data []byte, withResponse bool) error
	Read(ctx context.Context, uuid string) ([]byte, error)
	// Disconnected is closed when the link drops, locally or by the peer.
	Disconnected() <-chan struct{}
	Close() error
}

// ServiceData is a single service-data entry of an advertisement
type ServiceData struct {
	UUID string
	Data []byte
}

// Advertisement is a backend independent view of a received advertising report
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ServiceData

	Services() []string
	OverflowService() []string
	TxPowerLevel() int
	Connectable() bool
	SolicitedService() []string

	RSSI() int
	Addr() string
}

// TxPowerUnknown is reported by TxPowerLevel when the advertisement carries no TX power.
const TxPowerUnknown = 127

// Record is a decoded inbound payload delivered to data observers
type Record struct {
	TsUs           int64
	Seq            uint64
	Characteristic string
	Raw            []byte
	Values         map[string]any
}
