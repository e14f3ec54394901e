package connection

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// manualTimer records a scheduled callback that the test fires by hand
type manualTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *manualTimer) Fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		t.f()
	}
}

type MachineTestSuite struct {
	suite.Suite
	timers      []*manualTimer
	timeouts    []uint64
	transitions []Transition
	now         time.Time
	machine     *Machine
}

func (s *MachineTestSuite) SetupTest() {
	s.timers = nil
	s.timeouts = nil
	s.transitions = nil
	s.now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s.machine = NewMachine(Options{
		AfterFunc: func(d time.Duration, f func()) Timer {
			t := &manualTimer{d: d, f: f}
			s.timers = append(s.timers, t)
			return t
		},
		Now:          func() time.Time { return s.now },
		OnTimeout:    func(attempt uint64) { s.timeouts = append(s.timeouts, attempt) },
		OnTransition: func(t Transition) { s.transitions = append(s.transitions, t) },
	}, logger)
}

func (s *MachineTestSuite) lastTimer() *manualTimer {
	s.Require().NotEmpty(s.timers)
	return s.timers[len(s.timers)-1]
}

func (s *MachineTestSuite) TestDefaultTimeout() {
	s.Equal(5*time.Second, s.machine.ConnectTimeout())

	res, err := s.machine.Begin("A")
	s.Require().NoError(err)
	s.Equal(uint64(1), res.Attempt)
	s.Equal(5*time.Second, s.lastTimer().d, "timer MUST be armed with the connect timeout")

	h := s.machine.Snapshot()
	s.Equal(Connecting, h.State)
	s.Equal("A", h.PeripheralID)
	s.Equal(s.now, h.StartedAt)
	s.Equal(s.now.Add(5*time.Second), h.Deadline)
}

func (s *MachineTestSuite) TestBeginWhileConnecting() {
	_, err := s.machine.Begin("A")
	s.Require().NoError(err)

	_, err = s.machine.Begin("B")

	s.ErrorIs(err, device.ErrAlreadyConnecting)
	s.Equal(Connecting, s.machine.State(), "state MUST be unchanged")
	s.Equal("A", s.machine.Snapshot().PeripheralID)
	s.Len(s.timers, 1, "no second timer MUST be armed")
}

func (s *MachineTestSuite) TestBeginWhileConnected() {
	res, _ := s.machine.Begin("A")
	s.Require().True(s.machine.Established(res.Attempt))

	again, err := s.machine.Begin("A")
	s.NoError(err)
	s.True(again.Reconnected)
	s.Equal(res.Attempt, again.Attempt)

	_, err = s.machine.Begin("B")
	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.Equal(Connected, s.machine.State())
}

func (s *MachineTestSuite) TestBeginWhileDisconnecting() {
	res, _ := s.machine.Begin("A")
	s.machine.Established(res.Attempt)
	s.machine.BeginDisconnect()

	_, err := s.machine.Begin("A")
	s.ErrorIs(err, device.ErrAlreadyConnecting)
}

func (s *MachineTestSuite) TestBeginEmptyID() {
	_, err := s.machine.Begin(" ")
	s.Error(err)
	s.Equal(Idle, s.machine.State())
}

func (s *MachineTestSuite) TestEstablishedStopsTimer() {
	res, _ := s.machine.Begin("A")

	s.True(s.machine.Established(res.Attempt))

	s.True(s.lastTimer().stopped, "timeout MUST be cancelled on success")
	s.lastTimer().Fire()
	s.Empty(s.timeouts)
	s.Nil(s.machine.Timeout(res.Attempt), "late timeout MUST not affect a connected handle")
	s.Equal(Connected, s.machine.State())
}

func (s *MachineTestSuite) TestTimeoutFiresOnce() {
	// GOAL: connecting with no link event within the timeout ends idle with exactly one failure
	res, _ := s.machine.Begin("A")

	s.lastTimer().Fire()
	s.Equal([]uint64{res.Attempt}, s.timeouts)

	err := s.machine.Timeout(res.Attempt)
	s.Require().NotNil(err)
	s.ErrorIs(err, device.ErrConnectTimeout)
	s.Equal("A", err.Address)
	s.Equal(Idle, s.machine.State())

	s.Nil(s.machine.Timeout(res.Attempt), "second timeout MUST be ignored")
	s.False(s.machine.Established(res.Attempt), "late link event MUST be stale")

	failures := 0
	for _, t := range s.transitions {
		if t.Err != nil {
			failures++
		}
	}
	s.Equal(1, failures)
}

func (s *MachineTestSuite) TestStaleAttemptIgnored() {
	first, _ := s.machine.Begin("A")
	s.machine.Timeout(first.Attempt)
	second, _ := s.machine.Begin("A")

	s.NotEqual(first.Attempt, second.Attempt)
	s.False(s.machine.Established(first.Attempt))
	s.Nil(s.machine.Fail(first.Attempt, device.ReasonLinkFailure, nil))
	s.True(s.machine.IsCurrent(second.Attempt))
}

func (s *MachineTestSuite) TestFail() {
	res, _ := s.machine.Begin("A")

	err := s.machine.Fail(res.Attempt, device.ReasonRejected, device.ErrUnsupported)

	s.ErrorIs(err, device.ErrConnectRejected)
	s.ErrorIs(err, device.ErrUnsupported)
	s.Equal(Idle, s.machine.State())
	s.True(s.lastTimer().stopped)
}

func (s *MachineTestSuite) TestDisconnectWhileConnectingCancels() {
	res, _ := s.machine.Begin("A")

	outcome, err := s.machine.BeginDisconnect()

	s.Equal(DisconnectCancelled, outcome)
	s.ErrorIs(err, device.ErrConnectCancelled)
	s.Equal(Idle, s.machine.State())
	s.False(s.machine.Established(res.Attempt))
}

func (s *MachineTestSuite) TestDisconnectLifecycle() {
	res, _ := s.machine.Begin("A")
	s.machine.Established(res.Attempt)

	outcome, err := s.machine.BeginDisconnect()
	s.Equal(DisconnectStarted, outcome)
	s.Nil(err)
	s.Equal(Disconnecting, s.machine.State())

	outcome, _ = s.machine.BeginDisconnect()
	s.Equal(DisconnectNoop, outcome, "disconnect MUST be idempotent")

	s.False(s.machine.PeerDisconnected())
	s.True(s.machine.Closed())
	s.Equal(Idle, s.machine.State())
	s.Equal(Handle{}, s.machine.Snapshot())

	outcome, _ = s.machine.BeginDisconnect()
	s.Equal(DisconnectNoop, outcome)
	s.False(s.machine.Closed())
}

func (s *MachineTestSuite) TestPeerDisconnect() {
	res, _ := s.machine.Begin("A")
	s.machine.Established(res.Attempt)

	s.True(s.machine.PeerDisconnected())

	s.Equal(Idle, s.machine.State())
	last := s.transitions[len(s.transitions)-1]
	s.Equal(Connected, last.From)
	s.Equal(Idle, last.To)
	s.ErrorIs(last.Err, device.ErrConnectionLost)
}

func (s *MachineTestSuite) TestTransitionsSequence() {
	res, _ := s.machine.Begin("A")
	s.machine.Established(res.Attempt)
	s.machine.BeginDisconnect()
	s.machine.Closed()

	var path []string
	for _, t := range s.transitions {
		path = append(path, t.From.String()+"->"+t.To.String())
	}
	s.Equal([]string{
		"idle->connecting",
		"connecting->connected",
		"connected->disconnecting",
		"disconnecting->idle",
	}, path)
}

func (s *MachineTestSuite) TestRealTimer() {
	fired := make(chan uint64, 1)
	m := NewMachine(Options{
		Timeout:   10 * time.Millisecond,
		OnTimeout: func(a uint64) { fired <- a },
	}, nil)

	res, err := m.Begin("A")
	s.Require().NoError(err)

	select {
	case a := <-fired:
		s.Equal(res.Attempt, a)
	case <-time.After(time.Second):
		s.Fail("timeout MUST fire")
	}
}

func TestMachineTestSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "disconnecting", Disconnecting.String())
	assert.Equal(t, "unknown", State(9).String())
}
