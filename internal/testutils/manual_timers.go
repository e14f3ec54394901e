package testutils

import (
	"sync"
	"time"

	"github.com/srg/blemgr/pkg/connection"
)

// ManualTimer is a pending callback fired by the test
type ManualTimer struct {
	D time.Duration

	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (t *ManualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Fire runs the callback unless the timer was stopped or already fired
func (t *ManualTimer) Fire() bool {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	f := t.f
	t.mu.Unlock()
	f()
	return true
}

func (t *ManualTimer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

// ManualTimers is a connection.AfterFunc source whose timers never fire on their own
type ManualTimers struct {
	mu     sync.Mutex
	timers []*ManualTimer
}

// AfterFunc matches connection.AfterFunc
func (m *ManualTimers) AfterFunc(d time.Duration, f func()) connection.Timer {
	t := &ManualTimer{D: d, f: f}
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// Pending returns the active timers scheduled with duration d
func (m *ManualTimers) Pending(d time.Duration) []*ManualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ManualTimer
	for _, t := range m.timers {
		if t.D == d && t.active() {
			out = append(out, t)
		}
	}
	return out
}

// Fire fires every active timer scheduled with duration d and returns how many fired
func (m *ManualTimers) Fire(d time.Duration) int {
	n := 0
	for _, t := range m.Pending(d) {
		if t.Fire() {
			n++
		}
	}
	return n
}
