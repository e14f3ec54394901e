package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
)

// central is the subset of ble.Device the radio needs
type central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, addr ble.Addr) (client, error)
	Stop() error
}

// deviceCentral adapts a ble.Device to central
type deviceCentral struct {
	dev ble.Device
}

func (d deviceCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return d.dev.Scan(ctx, allowDup, h)
}

func (d deviceCentral) Dial(ctx context.Context, addr ble.Addr) (client, error) {
	c, err := d.dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d deviceCentral) Stop() error { return d.dev.Stop() }

// ReadyWindow is how long Ready scans to learn whether the platform radio is on.
// go-ble reports the radio state only through the outcome of an operation.
const ReadyWindow = 150 * time.Millisecond

// Radio implements device.Radio on top of a go-ble device.
// The state starts unknown and follows the outcome of every scan, dial and readiness check.
type Radio struct {
	central central
	logger  *logrus.Logger

	mu       sync.RWMutex
	state    device.RadioState
	watchers map[uint64]func(device.RadioState)
	nextID   uint64
	closed   bool
}

// NewRadio creates a Radio backed by the platform go-ble device from DeviceFactory.
func NewRadio(logger *logrus.Logger) (*Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	return newRadio(deviceCentral{dev: dev}, logger), nil
}

func newRadio(c central, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{
		central:  c,
		logger:   logger,
		state:    device.RadioUnknown,
		watchers: make(map[uint64]func(device.RadioState)),
	}
}

func (r *Radio) State() device.RadioState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Ready returns at once while the radio is known to be powered on. Otherwise it
// runs a scan of at most ReadyWindow: a scan that is still running when the
// window ends proves the radio is on, an immediate failure is classified by
// NormalizeError and only RadioUnavailable is returned.
func (r *Radio) Ready(ctx context.Context) error {
	if r.isClosed() {
		return device.ErrClosed
	}
	if r.State() == device.RadioPoweredOn {
		return nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, ReadyWindow)
	defer cancel()
	r.logger.WithField("state", r.State().String()).Debug("Checking BLE radio state")
	err := r.central.Scan(scanCtx, false, func(ble.Advertisement) {})
	if scanCtx.Err() != nil && (err == nil || errors.Is(err, scanCtx.Err())) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.setState(device.RadioPoweredOn)
		return nil
	}
	// other failures are left to the command itself to report
	if err = r.observe(err); errors.Is(err, device.ErrRadioUnavailable) {
		return err
	}
	return nil
}

func (r *Radio) WatchState(fn func(device.RadioState)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.watchers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers, id)
	}
}

// setState records a new radio state and notifies watchers outside the lock
func (r *Radio) setState(s device.RadioState) {
	r.mu.Lock()
	if r.state == s {
		r.mu.Unlock()
		return
	}
	r.state = s
	fns := make([]func(device.RadioState), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	r.logger.WithField("state", s.String()).Info("Radio state changed")
	for _, fn := range fns {
		fn(s)
	}
}

// observe updates the radio state from the outcome of a radio operation
func (r *Radio) observe(err error) error {
	err = NormalizeError(err)
	switch {
	case err == nil:
		r.setState(device.RadioPoweredOn)
	case errors.Is(err, device.ErrRadioUnavailable):
		if strings.Contains(strings.ToLower(err.Error()), "not permitted") {
			r.setState(device.RadioUnauthorized)
		} else {
			r.setState(device.RadioPoweredOff)
		}
	}
	return err
}

func (r *Radio) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	if r.isClosed() {
		return device.ErrClosed
	}

	r.logger.WithField("allow_dup", allowDup).Debug("Starting go-ble scan")
	err := r.central.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		return nil
	}
	return r.observe(err)
}

func (r *Radio) Dial(ctx context.Context, address string) (device.Link, error) {
	if r.isClosed() {
		return nil, device.ErrClosed
	}
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	r.logger.WithField("address", address).Debug("Dialing BLE device...")
	cl, err := r.central.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, r.observe(err)
	}
	r.setState(device.RadioPoweredOn)

	link, err := newLink(cl, address, r.logger)
	if err != nil {
		if cancelErr := cl.CancelConnection(); cancelErr != nil {
			r.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after setup failure")
		}
		return nil, err
	}
	return link, nil
}

func (r *Radio) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close stops the underlying go-ble device. Safe to call more than once.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.watchers = make(map[uint64]func(device.RadioState))
	r.mu.Unlock()

	return NormalizeError(r.central.Stop())
}
