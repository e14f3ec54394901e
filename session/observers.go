package session

import (
	"slices"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/scanner"
)

type handler struct {
	kind EventKind
	call func(payload any)
}

// observers maps registration ids to handlers. Registration may happen from
// any goroutine; dispatch happens on the session loop.
type observers struct {
	handlers *hashmap.Map[uint64, handler]
	nextID   atomic.Uint64
	logger   *logrus.Logger
}

func newObservers(logger *logrus.Logger) *observers {
	return &observers{handlers: hashmap.New[uint64, handler](), logger: logger}
}

func (o *observers) add(kind EventKind, call func(any)) func() {
	id := o.nextID.Add(1)
	o.handlers.Set(id, handler{kind: kind, call: call})
	return func() { o.handlers.Del(id) }
}

func (o *observers) clear() {
	var ids []uint64
	o.handlers.Range(func(id uint64, _ handler) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		o.handlers.Del(id)
	}
}

func (o *observers) count(kind EventKind) int {
	n := 0
	o.handlers.Range(func(_ uint64, h handler) bool {
		if h.kind == kind {
			n++
		}
		return true
	})
	return n
}

// emit calls every handler registered for kind in registration order.
// A panicking handler is logged and does not affect the others.
func (o *observers) emit(kind EventKind, payload any) {
	var ids []uint64
	o.handlers.Range(func(id uint64, h handler) bool {
		if h.kind == kind {
			ids = append(ids, id)
		}
		return true
	})
	slices.Sort(ids)

	for _, id := range ids {
		// may have been unsubscribed by an earlier handler
		h, ok := o.handlers.Get(id)
		if !ok {
			continue
		}
		o.invoke(kind, h, payload)
	}
}

func (o *observers) invoke(kind EventKind, h handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"event": kind,
				"panic": r,
			}).Error("Observer panicked")
		}
	}()
	h.call(payload)
}

// OnScanResults registers fn for the ordered peripheral snapshot sent after
// every accepted advertisement. The returned func unregisters it.
func (m *Manager) OnScanResults(fn func([]scanner.Peripheral)) (unsubscribe func()) {
	return m.observers.add(EventScanResults, func(p any) { fn(p.([]scanner.Peripheral)) })
}

// OnConnectResult registers fn for connect outcomes
func (m *Manager) OnConnectResult(fn func(ConnectResult)) (unsubscribe func()) {
	return m.observers.add(EventConnectResult, func(p any) { fn(p.(ConnectResult)) })
}

// OnData registers fn for decoded inbound payloads
func (m *Manager) OnData(fn func(device.Record)) (unsubscribe func()) {
	return m.observers.add(EventData, func(p any) { fn(p.(device.Record)) })
}

// OnError registers fn for asynchronous errors
func (m *Manager) OnError(fn func(ErrorEvent)) (unsubscribe func()) {
	return m.observers.add(EventError, func(p any) { fn(p.(ErrorEvent)) })
}

// OnStateChange registers fn for connection state transitions
func (m *Manager) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	return m.observers.add(EventStateChange, func(p any) { fn(p.(StateChange)) })
}

// OnWriteComplete registers fn for successful writes
func (m *Manager) OnWriteComplete(fn func(WriteComplete)) (unsubscribe func()) {
	return m.observers.add(EventWriteComplete, func(p any) { fn(p.(WriteComplete)) })
}
