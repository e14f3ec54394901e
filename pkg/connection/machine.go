// Package connection implements the connection state machine of the session
// manager: idle -> connecting -> connected -> disconnecting -> idle, with at most
// one attempt in flight and a single-shot connect timeout.
package connection

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
)

// BeginResult describes an accepted connect request
type BeginResult struct {
	Attempt uint64
	// Reconnected is true when the machine was already connected to the same
	// peripheral; no new attempt was started.
	Reconnected bool
}

// Machine owns the connection handle. Mutations are expected from a single
// owner goroutine; readers may call Snapshot and State concurrently.
type Machine struct {
	mu      sync.RWMutex
	handle  Handle
	attempt uint64
	timer   Timer
	opts    Options
	logger  *logrus.Logger
}

// NewMachine creates an idle machine. Zero-valued options fall back to defaults.
func NewMachine(opts Options, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = def.AfterFunc
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	return &Machine{opts: opts, logger: logger}
}

// ConnectTimeout returns the configured connect timeout
func (m *Machine) ConnectTimeout() time.Duration {
	return m.opts.Timeout
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle.State
}

// Snapshot returns a copy of the current handle
func (m *Machine) Snapshot() Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// IsCurrent reports whether attempt is the attempt currently connecting
func (m *Machine) IsCurrent(attempt uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle.State == Connecting && m.handle.Attempt == attempt
}

// Begin accepts a connect request for id.
//
// It fails with ErrAlreadyConnecting while an attempt or a disconnect is in
// progress and with ErrAlreadyConnected when connected to a different
// peripheral. Connecting to the peripheral already connected is accepted as a
// no-op with Reconnected set.
func (m *Machine) Begin(id string) (BeginResult, error) {
	if strings.TrimSpace(id) == "" {
		return BeginResult{}, fmt.Errorf("peripheral identifier is empty")
	}

	m.mu.Lock()
	switch m.handle.State {
	case Connecting, Disconnecting:
		current := m.handle
		m.mu.Unlock()
		return BeginResult{}, device.NewError(device.KindAlreadyConnecting,
			fmt.Sprintf("%s is %s", current.PeripheralID, current.State), nil)
	case Connected:
		current := m.handle
		m.mu.Unlock()
		if current.PeripheralID == id {
			return BeginResult{Attempt: current.Attempt, Reconnected: true}, nil
		}
		return BeginResult{}, device.NewError(device.KindAlreadyConnected,
			fmt.Sprintf("connected to %s", current.PeripheralID), nil)
	}

	m.attempt++
	attempt := m.attempt
	now := m.opts.Now()
	m.handle = Handle{
		PeripheralID: id,
		State:        Connecting,
		Attempt:      attempt,
		StartedAt:    now,
		Deadline:     now.Add(m.opts.Timeout),
	}
	m.timer = m.opts.AfterFunc(m.opts.Timeout, func() {
		if m.opts.OnTimeout != nil {
			m.opts.OnTimeout(attempt)
		}
	})
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": id,
		"attempt": attempt,
		"timeout": m.opts.Timeout,
	}).Info("Connecting to BLE device...")
	m.emit(Transition{From: Idle, To: Connecting, PeripheralID: id, Attempt: attempt})
	return BeginResult{Attempt: attempt}, nil
}

// Established moves a current attempt to connected and cancels its timeout.
// Returns false for stale attempts; the caller owns closing their link.
func (m *Machine) Established(attempt uint64) bool {
	m.mu.Lock()
	if m.handle.State != Connecting || m.handle.Attempt != attempt {
		m.mu.Unlock()
		return false
	}
	m.stopTimerLocked()
	m.handle.State = Connected
	id := m.handle.PeripheralID
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": id,
		"attempt": attempt,
	}).Info("BLE device connected successfully")
	m.emit(Transition{From: Connecting, To: Connected, PeripheralID: id, Attempt: attempt})
	return true
}

// Fail ends a current attempt with reason and returns the outcome error.
// Returns nil for stale attempts.
func (m *Machine) Fail(attempt uint64, reason device.FailureReason, cause error) *device.ConnectionFailedError {
	m.mu.Lock()
	if m.handle.State != Connecting || m.handle.Attempt != attempt {
		m.mu.Unlock()
		return nil
	}
	return m.failLocked(reason, cause)
}

// Timeout ends a current attempt with ReasonTimeout. It fires at most once per attempt.
func (m *Machine) Timeout(attempt uint64) *device.ConnectionFailedError {
	return m.Fail(attempt, device.ReasonTimeout, device.ErrTimeout)
}

// failLocked requires m.mu held and releases it
func (m *Machine) failLocked(reason device.FailureReason, cause error) *device.ConnectionFailedError {
	m.stopTimerLocked()
	prev := m.handle
	m.handle = Handle{}
	m.mu.Unlock()

	err := &device.ConnectionFailedError{Address: prev.PeripheralID, Reason: reason, Err: cause}
	m.logger.WithFields(logrus.Fields{
		"address": prev.PeripheralID,
		"attempt": prev.Attempt,
		"reason":  reason,
		"error":   cause,
	}).Warn("Connection attempt failed")
	m.emit(Transition{From: Connecting, To: Idle, PeripheralID: prev.PeripheralID, Attempt: prev.Attempt, Err: err})
	return err
}

// BeginDisconnect requests teardown. A pending attempt is cancelled straight to
// idle; a connection moves to disconnecting. Idempotent otherwise.
func (m *Machine) BeginDisconnect() (DisconnectOutcome, *device.ConnectionFailedError) {
	m.mu.Lock()
	switch m.handle.State {
	case Connecting:
		return DisconnectCancelled, m.failLocked(device.ReasonCancelled, nil)
	case Connected:
		m.handle.State = Disconnecting
		h := m.handle
		m.mu.Unlock()
		m.logger.WithField("address", h.PeripheralID).Info("Disconnecting BLE device...")
		m.emit(Transition{From: Connected, To: Disconnecting, PeripheralID: h.PeripheralID, Attempt: h.Attempt})
		return DisconnectStarted, nil
	default:
		m.mu.Unlock()
		return DisconnectNoop, nil
	}
}

// Closed completes a disconnect. Returns false unless disconnecting.
func (m *Machine) Closed() bool {
	return m.toIdle(Disconnecting, nil)
}

// PeerDisconnected handles a link drop while connected. Returns false otherwise.
func (m *Machine) PeerDisconnected() bool {
	return m.toIdle(Connected, device.ErrConnectionLost)
}

func (m *Machine) toIdle(from State, cause error) bool {
	m.mu.Lock()
	if m.handle.State != from {
		m.mu.Unlock()
		return false
	}
	prev := m.handle
	m.handle = Handle{}
	m.mu.Unlock()

	m.emit(Transition{From: from, To: Idle, PeripheralID: prev.PeripheralID, Attempt: prev.Attempt, Err: cause})
	return true
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) emit(t Transition) {
	m.logger.WithFields(logrus.Fields{
		"from":    t.From.String(),
		"to":      t.To.String(),
		"address": t.PeripheralID,
	}).Debug("Connection state transition")
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(t)
	}
}
