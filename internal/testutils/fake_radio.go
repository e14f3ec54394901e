package testutils

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/srg/blemgr/internal/device"
)

type dialResult struct {
	link device.Link
	err  error
}

// FakeRadio is a scriptable device.Radio.
//
// Scan blocks until its context is done; advertisements are injected with
// Advertise. Dial waits for CompleteDial (or the context) unless DialFunc is set.
type FakeRadio struct {
	// DialFunc, when set, answers Dial directly
	DialFunc func(ctx context.Context, address string) (device.Link, error)
	// ScanErr, when set, is returned by Scan immediately
	ScanErr error

	mu          sync.Mutex
	state       device.RadioState
	watchers    map[int]func(device.RadioState)
	nextWatch   int
	handler     func(device.Advertisement)
	scanID      int
	scanStarted chan struct{}
	dials       []string
	dialResults chan dialResult
	closed      bool
	readyCalls  int
}

// NewFakeRadio returns a powered-on fake radio
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		state:       device.RadioPoweredOn,
		watchers:    make(map[int]func(device.RadioState)),
		scanStarted: make(chan struct{}, 16),
		dialResults: make(chan dialResult, 4),
	}
}

func (r *FakeRadio) State() device.RadioState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ready fails with RadioUnavailable unless the fake is powered on
func (r *FakeRadio) Ready(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readyCalls++
	if r.closed {
		return device.ErrClosed
	}
	if !r.state.Available() {
		return device.NewError(device.KindRadioUnavailable, "radio is "+r.state.String(), nil)
	}
	return ctx.Err()
}

// ReadyCalls returns how many times Ready was invoked
func (r *FakeRadio) ReadyCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readyCalls
}

func (r *FakeRadio) WatchState(fn func(device.RadioState)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextWatch++
	id := r.nextWatch
	r.watchers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers, id)
	}
}

// SetState changes the radio state and notifies watchers synchronously
func (r *FakeRadio) SetState(s device.RadioState) {
	r.mu.Lock()
	r.state = s
	fns := make([]func(device.RadioState), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (r *FakeRadio) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	r.mu.Lock()
	if r.ScanErr != nil {
		err := r.ScanErr
		r.mu.Unlock()
		return err
	}
	if !r.state.Available() {
		r.mu.Unlock()
		return device.ErrRadioUnavailable
	}
	r.handler = handler
	r.scanID++
	id := r.scanID
	r.mu.Unlock()

	r.scanStarted <- struct{}{}
	<-ctx.Done()

	r.mu.Lock()
	// a restarted scan may already own the handler
	if r.scanID == id {
		r.handler = nil
	}
	r.mu.Unlock()
	return nil
}

// WaitScanning blocks until a Scan call has started or timeout elapses
func (r *FakeRadio) WaitScanning(timeout time.Duration) bool {
	select {
	case <-r.scanStarted:
		return true
	case <-time.After(timeout):
		return false
	}
}

// IsScanning reports whether a Scan call is currently active
func (r *FakeRadio) IsScanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

// Advertise delivers adv to the active scan; returns false when no scan is active
func (r *FakeRadio) Advertise(adv device.Advertisement) bool {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

func (r *FakeRadio) Dial(ctx context.Context, address string) (device.Link, error) {
	r.mu.Lock()
	r.dials = append(r.dials, address)
	fn := r.DialFunc
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, address)
	}
	select {
	case res := <-r.dialResults:
		return res.link, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CompleteDial answers the next pending (or future) Dial
func (r *FakeRadio) CompleteDial(link device.Link, err error) {
	r.dialResults <- dialResult{link: link, err: err}
}

// Dials returns the addresses passed to Dial so far
func (r *FakeRadio) Dials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.dials)
}

func (r *FakeRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *FakeRadio) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// FakeWrite records one write performed on a FakeLink
type FakeWrite struct {
	Characteristic string
	Data           []byte
	WithResponse   bool
}

// FakeLink is an in-memory device.Link
type FakeLink struct {
	// WriteFunc, when set, decides the outcome of each write
	WriteFunc func(ctx context.Context, w FakeWrite) error

	address    string
	maxPayload int
	chars      map[string]bool

	mu         sync.Mutex
	handlers   map[string]device.NotificationHandler
	writes     []FakeWrite
	values     map[string][]byte
	done       chan struct{}
	closeOnce  sync.Once
	closeCalls int
}

// NewFakeLink creates a link exposing the given characteristics
func NewFakeLink(address string, maxPayload int, chars ...string) *FakeLink {
	l := &FakeLink{
		address:    address,
		maxPayload: maxPayload,
		chars:      make(map[string]bool),
		handlers:   make(map[string]device.NotificationHandler),
		values:     make(map[string][]byte),
		done:       make(chan struct{}),
	}
	for _, c := range chars {
		l.chars[device.NormalizeUUID(c)] = true
	}
	return l
}

func (l *FakeLink) Address() string { return l.address }
func (l *FakeLink) MaxPayload() int { return l.maxPayload }

func (l *FakeLink) HasCharacteristic(uuid string) bool {
	return l.chars[device.NormalizeUUID(uuid)]
}

func (l *FakeLink) Subscribe(uuid string, handler device.NotificationHandler) error {
	if !l.HasCharacteristic(uuid) {
		return fmt.Errorf("characteristic %s not found", uuid)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[device.NormalizeUUID(uuid)] = handler
	return nil
}

// Notify pushes a notification to the subscriber of uuid
func (l *FakeLink) Notify(uuid string, data []byte) bool {
	l.mu.Lock()
	h := l.handlers[device.NormalizeUUID(uuid)]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Subscribed reports whether uuid has a notification handler
func (l *FakeLink) Subscribed(uuid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handlers[device.NormalizeUUID(uuid)]
	return ok
}

func (l *FakeLink) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	select {
	case <-l.done:
		return device.ErrConnectionLost
	default:
	}
	if !l.HasCharacteristic(uuid) {
		return fmt.Errorf("characteristic %s not found", uuid)
	}
	w := FakeWrite{Characteristic: device.NormalizeUUID(uuid), Data: slices.Clone(data), WithResponse: withResponse}
	if l.WriteFunc != nil {
		if err := l.WriteFunc(ctx, w); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.writes = append(l.writes, w)
	l.mu.Unlock()
	return nil
}

// Writes returns the successful writes so far
func (l *FakeLink) Writes() []FakeWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.writes)
}

// SetValue sets the value returned by Read
func (l *FakeLink) SetValue(uuid string, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[device.NormalizeUUID(uuid)] = value
}

func (l *FakeLink) Read(_ context.Context, uuid string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, errors.New("read not permitted")
	}
	return slices.Clone(v), nil
}

func (l *FakeLink) Disconnected() <-chan struct{} { return l.done }

// Drop simulates a peer-initiated disconnect
func (l *FakeLink) Drop() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closeCalls++
	l.mu.Unlock()
	l.Drop()
	return nil
}

// CloseCalls returns how many times Close was invoked
func (l *FakeLink) CloseCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCalls
}
