package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/ptyio"
	"github.com/srg/blemgr/internal/testutils"
	"github.com/srg/blemgr/internal/transfer"
	"github.com/srg/blemgr/pkg/config"
	"github.com/srg/blemgr/pkg/connection"
	"github.com/srg/blemgr/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const address = "AA:BB:CC:DD:EE:01"

// fakePTY records what the bridge writes and lets tests inject slave input
type fakePTY struct {
	mu     sync.Mutex
	name   string
	out    []byte
	cb     ptyio.ReadCallback
	closed bool
}

func (p *fakePTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	p.out = append(p.out, data...)
	return len(data), nil
}

func (p *fakePTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePTY) TTYName() string { return p.name }

func (p *fakePTY) SetReadCallback(cb ptyio.ReadCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

func (p *fakePTY) Stats() ptyio.Stats { return ptyio.Stats{} }

func (p *fakePTY) feed(data []byte) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (p *fakePTY) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.out)
}

func (p *fakePTY) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type BridgeTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	radio  *testutils.FakeRadio
	link   *testutils.FakeLink
	sess   *session.Manager
	pty    *fakePTY
	phases []string
}

func (s *BridgeTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.radio = testutils.NewFakeRadio()
	s.link = testutils.NewFakeLink(address, 20, connection.SerialRxCharUUID, connection.SerialTxCharUUID)
	s.pty = &fakePTY{name: "/dev/pts/test"}
	s.phases = nil

	m, err := session.New(s.radio, config.DefaultConfig(), s.helper.Logger)
	s.Require().NoError(err)
	s.sess = m
}

func (s *BridgeTestSuite) TearDownTest() {
	s.sess.Shutdown()
}

func (s *BridgeTestSuite) options() Options {
	return Options{
		Address:  address,
		Logger:   s.helper.Logger,
		Progress: func(phase string) { s.phases = append(s.phases, phase) },
		OpenPTY:  func(ptyio.Options) (ptyio.PTY, error) { return s.pty, nil },
	}
}

// start runs the bridge in the background and waits until it is ready
func (s *BridgeTestSuite) start(ctx context.Context, opts Options) (*Bridge, <-chan error) {
	readyCh := make(chan *Bridge, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, s.sess, opts, func(b *Bridge) { readyCh <- b })
	}()

	select {
	case b := <-readyCh:
		return b, errCh
	case err := <-errCh:
		s.FailNow("bridge stopped before becoming ready", "error: %v", err)
	case <-time.After(2 * time.Second):
		s.FailNow("bridge did not become ready")
	}
	return nil, nil
}

func (s *BridgeTestSuite) await(errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		s.FailNow("bridge did not stop")
		return nil
	}
}

func (s *BridgeTestSuite) TestMovesDataBothWays() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.radio.CompleteDial(s.link, nil)
	b, errCh := s.start(ctx, s.options())

	s.Equal("/dev/pts/test", b.TTYName())
	s.True(s.link.Notify(connection.SerialTxCharUUID, []byte("hello")))
	s.Eventually(func() bool { return s.pty.Output() == "hello" }, time.Second, 5*time.Millisecond,
		"notifications MUST reach the PTY")

	input := make([]byte, 45)
	for i := range input {
		input[i] = byte(i)
	}
	s.pty.feed(input)
	s.Eventually(func() bool { return len(s.link.Writes()) == 3 }, time.Second, 5*time.Millisecond)

	writes := s.link.Writes()
	s.Len(writes[0].Data, 20)
	s.Len(writes[1].Data, 20)
	s.Len(writes[2].Data, 5)
	s.Equal(input[40:], writes[2].Data, "chunks MUST keep input order")

	st := b.Stats()
	s.EqualValues(3, st.Writes)
	s.EqualValues(45, st.ToDevice)
	s.EqualValues(5, st.FromDevice)

	cancel()
	s.ErrorIs(s.await(errCh), context.Canceled)
	s.True(s.pty.Closed())
	s.Eventually(func() bool { return s.link.CloseCalls() == 1 }, time.Second, 5*time.Millisecond,
		"the connection MUST be closed when the bridge stops")
	s.Equal([]string{"Connecting", "Connected", "Setting up PTY", "Running"}, s.phases)
}

func (s *BridgeTestSuite) TestConnectFailure() {
	s.radio.CompleteDial(nil, device.ErrConnectRejected)
	opened := false
	opts := s.options()
	opts.OpenPTY = func(ptyio.Options) (ptyio.PTY, error) { opened = true; return s.pty, nil }

	err := Run(context.Background(), s.sess, opts, nil)
	s.Require().Error(err)
	s.True(errors.Is(err, device.ErrConnectRejected))
	s.False(opened, "PTY MUST NOT be opened without a connection")
	s.Equal("Failed", s.phases[len(s.phases)-1])
}

func (s *BridgeTestSuite) TestPeerDisconnectStopsBridge() {
	s.radio.CompleteDial(s.link, nil)
	_, errCh := s.start(context.Background(), s.options())

	s.link.Drop()
	err := s.await(errCh)
	s.True(errors.Is(err, device.ErrConnectionLost))
	s.True(s.pty.Closed())
}

func (s *BridgeTestSuite) TestSymlink() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	link := filepath.Join(s.T().TempDir(), "ble-device")
	opts := s.options()
	opts.SymlinkPath = link

	s.radio.CompleteDial(s.link, nil)
	b, errCh := s.start(ctx, opts)

	s.Equal(link, b.Symlink())
	target, err := os.Readlink(link)
	s.Require().NoError(err)
	s.Equal("/dev/pts/test", target)

	cancel()
	_ = s.await(errCh)
	_, err = os.Lstat(link)
	s.True(os.IsNotExist(err), "symlink MUST be removed on exit")
}

func (s *BridgeTestSuite) TestValidation() {
	s.Error(Run(context.Background(), nil, s.options(), nil))
	opts := s.options()
	opts.Address = ""
	s.Error(Run(context.Background(), s.sess, opts, nil))
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func TestChunks(t *testing.T) {
	data := []byte("abcdefghij")
	tests := []struct {
		name string
		size int
		want []string
	}{
		{"exact multiple", 5, []string{"abcde", "fghij"}},
		{"remainder", 4, []string{"abcd", "efgh", "ij"}},
		{"larger than data", 20, []string{"abcdefghij"}},
		{"zero size", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range Chunks(data, tt.size) {
				got = append(got, string(c))
			}
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Nil(t, Chunks(nil, 4))
}

// scriptedSession accepts writes until failAt, which is rejected with err
type scriptedSession struct {
	Session
	maxPayload int
	failAt     int
	err        error
	writes     [][]byte
}

func (s *scriptedSession) MaxPayload() int { return s.maxPayload }

func (s *scriptedSession) Write(payload []byte) (*transfer.Request, error) {
	if len(s.writes) == s.failAt {
		s.failAt = -1
		return nil, s.err
	}
	s.writes = append(s.writes, append([]byte(nil), payload...))
	return nil, nil
}

func TestForwardStopsAtRejectedChunk(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "queue full", err: device.NewError(device.KindQueueFull, "32 requests pending", nil)},
		{name: "payload too large", err: &device.PayloadTooLargeError{Size: 20, Max: 10}},
		{name: "not connected", err: device.ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &scriptedSession{maxPayload: 20, failAt: 1, err: tt.err}
			b := &Bridge{pty: &fakePTY{}}

			b.forward(sess, make([]byte, 50), testutils.NewTestHelper(t).Logger)

			assert.Len(t, sess.writes, 1, "chunks after a rejected one MUST NOT be sent")
			stats := b.Stats()
			assert.Equal(t, uint64(20), stats.ToDevice)
			assert.Equal(t, uint64(1), stats.Writes)
			assert.Equal(t, uint64(1), stats.WriteErrors)
			assert.Equal(t, uint64(30), stats.Dropped, "the rejected chunk and the rest MUST be counted as dropped")
		})
	}
}
