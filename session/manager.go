// Package session implements the BLE session manager: one scan registry, one
// connection state machine and one transfer channel owned by a single event
// loop goroutine.
//
// Commands (Scan, Connect, Write, ...) are validated on the loop and return
// request-time errors synchronously. Outcomes (scan results, connect results,
// data, asynchronous errors) are delivered to observers, always on the loop
// goroutine and exactly once per event. Observers may call commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/codec"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/transfer"
	"github.com/srg/blemgr/pkg/config"
	"github.com/srg/blemgr/pkg/connection"
	"github.com/srg/blemgr/scanner"
)

const (
	commandQueueSize = 64
	// radioReadyTimeout bounds the radio check made before Scan and Connect
	radioReadyTimeout = 2 * time.Second
)

var errDisconnectRequested = errors.New("disconnect requested")

// Option customizes a Manager
type Option func(*Manager)

// WithDecoder sets the payload decoder, codec.Raw by default
func WithDecoder(d codec.Decoder) Option {
	return func(m *Manager) { m.decoder = d }
}

// WithAfterFunc replaces the timer used for the connect timeout, the scan
// duration and stale eviction.
func WithAfterFunc(f connection.AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is a BLE session. Create one with New; all methods are safe for
// concurrent use.
type Manager struct {
	radio     device.Radio
	cfg       config.Config
	logger    *logrus.Logger
	decoder   codec.Decoder
	afterFunc connection.AfterFunc
	now       func() time.Time

	registry  *scanner.Registry
	machine   *connection.Machine
	channel   *transfer.Channel
	observers *observers

	cmds     chan func()
	quit     chan struct{}
	loopDone <-chan struct{}
	loopGID  atomic.Uint64
	closed   atomic.Bool
	stopOnce sync.Once
	unwatch  func()

	// owned by the loop goroutine
	scanGen    uint64
	scanCancel context.CancelFunc
	scanTimer  connection.Timer
	evictTimer connection.Timer
	dialCancel context.CancelFunc
	link       device.Link
	linkCancel context.CancelFunc
}

// New creates a session on radio. cfg may be nil for defaults; it is copied.
func New(radio device.Radio, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Manager, error) {
	if radio == nil {
		return nil, fmt.Errorf("radio is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		radio:     radio,
		cfg:       *cfg,
		logger:    logger,
		decoder:   codec.Raw{},
		afterFunc: connection.RealAfterFunc,
		now:       time.Now,
		observers: newObservers(logger),
		cmds:      make(chan func(), commandQueueSize),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.registry = scanner.NewRegistry(logger)
	m.machine = connection.NewMachine(connection.Options{
		Timeout:      m.cfg.ConnectTimeout,
		AfterFunc:    m.afterFunc,
		Now:          m.now,
		OnTimeout:    func(attempt uint64) { m.post(func() { m.onConnectTimeout(attempt) }) },
		OnTransition: m.onTransition,
	}, logger)
	m.channel = transfer.NewChannel(m.decoder, transfer.Options{
		WriteTimeout: m.cfg.WriteTimeout,
		QueueSize:    m.cfg.WriteQueueSize,
		WithResponse: m.cfg.WithResponse,
		Now:          m.now,
		OnComplete:   func(req *transfer.Request) { m.post(func() { m.onRequestDone(req) }) },
	}, logger)

	ready := make(chan struct{})
	m.loopDone = groutine.GoDone(context.Background(), "session-loop", func(ctx context.Context) {
		m.loopGID.Store(groutine.GetGID())
		close(ready)
		m.loop()
	})
	<-ready

	m.unwatch = radio.WatchState(func(s device.RadioState) {
		m.post(func() { m.onRadioState(s) })
	})
	return m, nil
}

func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) onLoop() bool {
	return groutine.GetGID() == m.loopGID.Load()
}

// do runs fn on the loop and waits for its result. Calls made from the loop
// itself (observers) run inline.
func (m *Manager) do(fn func() error) error {
	if m.closed.Load() {
		return fmt.Errorf("session: %w", device.ErrClosed)
	}
	if m.onLoop() {
		return fn()
	}

	reply := make(chan error, 1)
	select {
	case m.cmds <- func() { reply <- fn() }:
	case <-m.quit:
		return fmt.Errorf("session: %w", device.ErrClosed)
	}
	select {
	case err := <-reply:
		return err
	case <-m.loopDone:
		return fmt.Errorf("session: %w", device.ErrClosed)
	}
}

// post queues an event for the loop; events posted after shutdown are dropped
func (m *Manager) post(fn func()) {
	if m.onLoop() {
		fn()
		return
	}
	select {
	case m.cmds <- fn:
	case <-m.quit:
	}
}

func (m *Manager) emit(kind EventKind, payload any) {
	m.observers.emit(kind, payload)
}

func (m *Manager) emitError(err error, peripheralID string) {
	m.emit(EventError, newErrorEvent(err, peripheralID))
}

// radioReady asks the radio to confirm it can serve a command. It runs before
// the command is queued since a backend may have to query the platform; a
// radio that was switched back on is seen by the next command.
func (m *Manager) radioReady() error {
	if m.closed.Load() {
		return fmt.Errorf("session: %w", device.ErrClosed)
	}
	ctx, cancel := context.WithTimeout(context.Background(), radioReadyTimeout)
	defer cancel()
	if err := m.radio.Ready(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return device.NewError(device.KindRadioUnavailable, "radio did not respond", err)
		}
		return err
	}
	return nil
}

// Scan starts a scan window, clearing previously discovered peripherals.
// Scanning while already scanning restarts the window.
func (m *Manager) Scan() error {
	if err := m.radioReady(); err != nil {
		return err
	}
	return m.do(func() error {
		if m.registry.IsScanning() {
			m.stopScan("restart")
		}

		m.registry.StartScan(m.cfg.Filter)
		m.scanGen++
		gen := m.scanGen
		ctx, cancel := context.WithCancel(context.Background())
		m.scanCancel = cancel

		groutine.Go(ctx, "session-scan", func(ctx context.Context) {
			err := m.radio.Scan(ctx, m.cfg.AllowDuplicates, func(adv device.Advertisement) {
				m.post(func() { m.onAdvertisement(gen, adv) })
			})
			m.post(func() { m.onScanEnded(gen, err) })
		})

		if d := m.cfg.ScanDuration; d > 0 {
			m.scanTimer = m.afterFunc(d, func() {
				m.post(func() {
					if m.scanGen == gen && m.registry.IsScanning() {
						m.stopScan("duration elapsed")
					}
				})
			})
		}
		m.armEviction(gen)

		m.logger.WithFields(logrus.Fields{
			"duration":   m.cfg.ScanDuration,
			"duplicates": m.cfg.AllowDuplicates,
		}).Info("Scanning for BLE devices...")
		return nil
	})
}

// StopScan ends the scan window. Discovered peripherals stay available until
// the next Scan. Idempotent.
func (m *Manager) StopScan() error {
	return m.do(func() error {
		m.stopScan("requested")
		return nil
	})
}

func (m *Manager) stopScan(reason string) {
	// later results of this window are suppressed from here on
	m.scanGen++
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	stopTimer(&m.scanTimer)
	stopTimer(&m.evictTimer)
	if m.registry.StopScan() {
		m.logger.WithFields(logrus.Fields{
			"reason":      reason,
			"peripherals": m.registry.Len(),
		}).Info("Scan stopped")
	}
}

func (m *Manager) armEviction(gen uint64) {
	maxAge := m.cfg.StaleAfter
	if maxAge <= 0 {
		return
	}
	interval := maxAge / 2
	if interval <= 0 {
		interval = maxAge
	}
	m.evictTimer = m.afterFunc(interval, func() {
		m.post(func() {
			if m.scanGen != gen || !m.registry.IsScanning() {
				return
			}
			if removed := m.registry.EvictStale(m.now(), maxAge); len(removed) > 0 {
				m.logger.WithField("removed", removed).Debug("Evicted stale peripherals")
				m.emit(EventScanResults, m.registry.Snapshot())
			}
			m.armEviction(gen)
		})
	})
}

func (m *Manager) onAdvertisement(gen uint64, adv device.Advertisement) {
	if gen != m.scanGen {
		return
	}
	if _, ok := m.registry.Record(adv, m.now()); ok {
		m.emit(EventScanResults, m.registry.Snapshot())
	}
}

func (m *Manager) onScanEnded(gen uint64, err error) {
	if gen != m.scanGen {
		return
	}
	m.stopScan("radio")
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.WithError(err).Warn("Scan ended with error")
		m.emitError(err, "")
	}
}

func (m *Manager) onRadioState(s device.RadioState) {
	m.logger.WithField("state", s.String()).Debug("Radio state changed")
	if s.Available() {
		return
	}
	err := device.NewError(device.KindRadioUnavailable, "radio is "+s.String(), nil)
	if m.registry.IsScanning() {
		m.stopScan("radio unavailable")
		m.emitError(err, "")
	}
	if h := m.machine.Snapshot(); h.State == connection.Connecting {
		m.cancelDial()
		if cf := m.machine.Fail(h.Attempt, device.ReasonLinkFailure, err); cf != nil {
			m.emit(EventConnectResult, ConnectResult{PeripheralID: h.PeripheralID, Err: cf})
		}
	}
}

// Connect starts connecting to id. AlreadyConnecting and AlreadyConnected are
// returned synchronously; the outcome is delivered to OnConnectResult.
// Connecting to the peripheral already connected re-signals success.
func (m *Manager) Connect(id string) error {
	id = strings.TrimSpace(id)
	if err := m.radioReady(); err != nil {
		return err
	}
	return m.do(func() error {
		res, err := m.machine.Begin(id)
		if err != nil {
			return err
		}
		if res.Reconnected {
			m.emit(EventConnectResult, ConnectResult{PeripheralID: id, Reconnected: true})
			return nil
		}

		attempt := res.Attempt
		ctx, cancel := context.WithCancel(context.Background())
		m.dialCancel = cancel
		groutine.Go(ctx, "session-dial", func(ctx context.Context) {
			link, err := m.radio.Dial(ctx, id)
			m.post(func() { m.onDialResult(attempt, id, link, err) })
		})
		return nil
	})
}

func (m *Manager) cancelDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

func (m *Manager) onConnectTimeout(attempt uint64) {
	id := m.machine.Snapshot().PeripheralID
	if cf := m.machine.Timeout(attempt); cf != nil {
		m.cancelDial()
		m.emit(EventConnectResult, ConnectResult{PeripheralID: id, Err: cf})
	}
}

func (m *Manager) onDialResult(attempt uint64, id string, link device.Link, err error) {
	if !m.machine.IsCurrent(attempt) {
		if link != nil {
			m.logger.WithField("address", id).Debug("Closing link of an abandoned attempt")
			closeLinkAsync(link)
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		if cf := m.machine.Fail(attempt, failureReason(err), err); cf != nil {
			m.emit(EventConnectResult, ConnectResult{PeripheralID: id, Err: cf})
		}
		return
	}

	if err := m.setupLink(attempt, link); err != nil {
		closeLinkAsync(link)
		if cf := m.machine.Fail(attempt, device.ReasonLinkFailure, err); cf != nil {
			m.emit(EventConnectResult, ConnectResult{PeripheralID: id, Err: cf})
		}
		return
	}

	// set before Established: its state observers may already disconnect
	m.link = link
	if !m.machine.Established(attempt) {
		m.link = nil
		m.channel.Close(nil)
		closeLinkAsync(link)
		return
	}
	if m.machine.State() != connection.Connected {
		// a state observer disconnected before the outcome was delivered;
		// that Disconnect owns the link close
		m.emit(EventConnectResult, ConnectResult{PeripheralID: id, Err: device.ErrConnectCancelled})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.linkCancel = cancel
	groutine.Go(ctx, "session-link-monitor", func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			m.post(func() { m.onLinkDown(attempt) })
		case <-ctx.Done():
		}
	})
	m.emit(EventConnectResult, ConnectResult{PeripheralID: id})
}

func failureReason(err error) device.FailureReason {
	var cf *device.ConnectionFailedError
	switch {
	case errors.As(err, &cf):
		return cf.Reason
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		return device.ReasonTimeout
	case errors.Is(err, context.Canceled):
		return device.ReasonCancelled
	default:
		return device.ReasonLinkFailure
	}
}

// setupLink opens the transfer channel and subscribes the notify characteristics
func (m *Manager) setupLink(attempt uint64, link device.Link) error {
	if err := m.channel.Open(link, m.cfg.WriteChar); err != nil {
		return err
	}

	subscribed := 0
	for _, char := range m.cfg.SubscribeChars() {
		if !link.HasCharacteristic(char) {
			m.logger.WithField("characteristic", char).Warn("Notify characteristic not found, skipping")
			continue
		}
		err := link.Subscribe(char, func(data []byte) {
			m.post(func() { m.onIncoming(attempt, char, data) })
		})
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"characteristic": char,
				"error":          err,
			}).Warn("Failed to subscribe")
			continue
		}
		subscribed++
	}
	m.logger.WithFields(logrus.Fields{
		"address":     link.Address(),
		"subscribed":  subscribed,
		"max_payload": link.MaxPayload(),
	}).Debug("Link ready")
	return nil
}

func (m *Manager) currentConnection(attempt uint64) (connection.Handle, bool) {
	h := m.machine.Snapshot()
	return h, h.Attempt == attempt && h.State == connection.Connected
}

func (m *Manager) onIncoming(attempt uint64, char string, data []byte) {
	h, ok := m.currentConnection(attempt)
	if !ok {
		return
	}
	rec, err := m.channel.HandleIncoming(char, data)
	if err != nil {
		m.emitError(err, h.PeripheralID)
		return
	}
	m.emit(EventData, rec)
}

func (m *Manager) onLinkDown(attempt uint64) {
	h := m.machine.Snapshot()
	if h.Attempt != attempt {
		return
	}
	switch h.State {
	case connection.Connected:
		m.logger.WithField("address", h.PeripheralID).Warn("BLE device disconnected")
		m.releaseLink(device.ErrConnectionLost)
		m.machine.PeerDisconnected()
		m.emitError(device.NewError(device.KindConnectionLost, "peer disconnected", nil), h.PeripheralID)
	case connection.Disconnecting:
		m.releaseLink(errDisconnectRequested)
		if m.machine.Closed() {
			m.logger.WithField("address", h.PeripheralID).Info("BLE device disconnected")
		}
	}
}

// releaseLink drops the link and cancels pending transfers with cause
func (m *Manager) releaseLink(cause error) {
	m.channel.Close(cause)
	if m.linkCancel != nil {
		m.linkCancel()
		m.linkCancel = nil
	}
	m.link = nil
}

// Disconnect tears the connection down, or cancels a pending attempt.
// Idempotent; a no-op when idle.
func (m *Manager) Disconnect() error {
	return m.do(func() error {
		h := m.machine.Snapshot()
		outcome, cf := m.machine.BeginDisconnect()
		switch outcome {
		case connection.DisconnectCancelled:
			m.cancelDial()
			m.emit(EventConnectResult, ConnectResult{PeripheralID: h.PeripheralID, Err: cf})
		case connection.DisconnectStarted:
			link := m.link
			attempt := h.Attempt
			m.channel.Close(errDisconnectRequested)
			groutine.Go(context.Background(), "session-link-close", func(ctx context.Context) {
				if err := link.Close(); err != nil {
					m.logger.WithError(err).Warn("Link close failed")
				}
				m.post(func() { m.onLinkDown(attempt) })
			})
		}
		return nil
	})
}

// Write submits payload to the configured write characteristic
func (m *Manager) Write(payload []byte) (*transfer.Request, error) {
	return m.WriteCharacteristic("", payload)
}

// WriteCharacteristic submits payload to characteristic. It fails synchronously
// unless connected and with PayloadTooLarge when payload exceeds the link's
// maximum; completion is reported to OnWriteComplete or OnError.
func (m *Manager) WriteCharacteristic(characteristic string, payload []byte) (*transfer.Request, error) {
	var req *transfer.Request
	err := m.do(func() error {
		if s := m.machine.State(); s != connection.Connected {
			return device.NewError(device.KindNotConnected, "session is "+s.String(), nil)
		}
		r, err := m.channel.Submit(characteristic, payload)
		req = r
		return err
	})
	return req, err
}

// Read queues a read of characteristic; the value is delivered to OnData
func (m *Manager) Read(characteristic string) (*transfer.Request, error) {
	var req *transfer.Request
	err := m.do(func() error {
		if s := m.machine.State(); s != connection.Connected {
			return device.NewError(device.KindNotConnected, "session is "+s.String(), nil)
		}
		r, err := m.channel.Read(characteristic)
		req = r
		return err
	})
	return req, err
}

func (m *Manager) onRequestDone(req *transfer.Request) {
	peripheral := m.machine.Snapshot().PeripheralID
	if err := req.Err(); err != nil {
		ev := newErrorEvent(err, peripheral)
		ev.RequestID = req.ID.String()
		m.emit(EventError, ev)
		return
	}
	switch req.Op {
	case transfer.OpRead:
		rec, err := m.channel.HandleIncoming(req.Characteristic, req.Value())
		if err != nil {
			if !errors.Is(err, device.ErrNotConnected) {
				m.emitError(err, peripheral)
			}
			return
		}
		m.emit(EventData, rec)
	default:
		m.emit(EventWriteComplete, WriteComplete{
			RequestID:      req.ID.String(),
			Characteristic: req.Characteristic,
			Size:           len(req.Payload),
		})
	}
}

func (m *Manager) onTransition(t connection.Transition) {
	m.emit(EventStateChange, StateChange{From: t.From, To: t.To, PeripheralID: t.PeripheralID, Err: t.Err})
}

// State returns the connection state
func (m *Manager) State() connection.State {
	return m.machine.State()
}

// Connected returns the connected peripheral id
func (m *Manager) Connected() (string, bool) {
	h := m.machine.Snapshot()
	return h.PeripheralID, h.State == connection.Connected
}

// MaxPayload returns the largest single write, 0 when not connected
func (m *Manager) MaxPayload() int {
	return m.channel.MaxPayload()
}

// Peripherals returns a copy of the discovered peripherals in first-seen order
func (m *Manager) Peripherals() []scanner.Peripheral {
	return m.registry.Snapshot()
}

// IsScanning reports whether a scan window is open
func (m *Manager) IsScanning() bool {
	return m.registry.IsScanning()
}

// ConnectTimeout returns the configured connect timeout
func (m *Manager) ConnectTimeout() time.Duration {
	return m.machine.ConnectTimeout()
}

// Stats returns a summary of the session
func (m *Manager) Stats() Stats {
	h := m.machine.Snapshot()
	return Stats{
		State:       h.State.String(),
		Peripheral:  h.PeripheralID,
		Scanning:    m.registry.IsScanning(),
		Peripherals: m.registry.Len(),
		Transfer:    m.channel.Stats(),
	}
}

// Shutdown stops scanning, closes the connection, cancels pending transfers,
// drops every observer and stops the loop. Commands fail afterwards. The radio
// is not closed. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.observers.clear()
		_ = m.do(func() error {
			m.stopScan("shutdown")
			switch m.machine.State() {
			case connection.Connecting:
				m.cancelDial()
				m.machine.BeginDisconnect()
			case connection.Connected, connection.Disconnecting:
				link := m.link
				if m.machine.State() == connection.Connected {
					m.machine.BeginDisconnect()
				}
				m.releaseLink(device.ErrClosed)
				if link != nil {
					if err := link.Close(); err != nil {
						m.logger.WithError(err).Warn("Link close failed")
					}
				}
				m.machine.Closed()
			}
			return nil
		})
		m.closed.Store(true)
		if m.unwatch != nil {
			m.unwatch()
		}
		close(m.quit)
		if !m.onLoop() {
			<-m.loopDone
		}
		m.logger.Debug("Session shut down")
	})
}

func stopTimer(t *connection.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeLinkAsync(link device.Link) {
	groutine.Go(context.Background(), "session-link-close", func(ctx context.Context) {
		_ = link.Close()
	})
}
