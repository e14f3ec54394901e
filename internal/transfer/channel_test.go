package transfer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blemgr/internal/codec"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/testutils"
	"github.com/srg/blemgr/internal/transfer"
	"github.com/stretchr/testify/suite"
)

const (
	rxChar  = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	txChar  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
	battery = "2A19"
)

type ChannelTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	link   *testutils.FakeLink

	mu        sync.Mutex
	completed []*transfer.Request
}

func (s *ChannelTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.link = testutils.NewFakeLink("AA:BB:CC:DD:EE:FF", 20, rxChar, txChar, battery)
	s.mu.Lock()
	s.completed = nil
	s.mu.Unlock()
}

func (s *ChannelTestSuite) newChannel(opts transfer.Options) *transfer.Channel {
	opts.OnComplete = func(r *transfer.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.completed = append(s.completed, r)
	}
	return transfer.NewChannel(codec.Raw{}, opts, s.helper.Logger)
}

func (s *ChannelTestSuite) completions() []*transfer.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transfer.Request(nil), s.completed...)
}

func (s *ChannelTestSuite) awaitDone(req *transfer.Request) {
	select {
	case <-req.Done():
	case <-time.After(2 * time.Second):
		s.FailNow("request did not complete", "request %s", req.ID)
	}
}

// blockWrites makes every write wait until release is closed (or its context ends)
// and signals started when a write begins.
func (s *ChannelTestSuite) blockWrites() (started chan struct{}, release chan struct{}) {
	started = make(chan struct{}, 8)
	release = make(chan struct{})
	s.link.WriteFunc = func(ctx context.Context, _ testutils.FakeWrite) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return started, release
}

func (s *ChannelTestSuite) TestSubmitWhenClosedIsRejected() {
	// GOAL: a write while not connected fails synchronously and creates no request
	ch := s.newChannel(transfer.Options{})

	req, err := ch.Submit("", []byte("hi"))

	s.Require().Error(err)
	s.ErrorIs(err, device.ErrNotConnected)
	s.Nil(req, "rejected write MUST NOT produce a request")
	s.Equal(uint64(0), ch.Stats().Submitted)
	s.Equal(0, ch.Pending())
}

func (s *ChannelTestSuite) TestSubmitWritesToDefaultCharacteristic() {
	ch := s.newChannel(transfer.Options{WithResponse: true})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	req, err := ch.Submit("", []byte("hello"))
	s.Require().NoError(err)
	s.awaitDone(req)

	s.NoError(req.Err())
	writes := s.link.Writes()
	s.Require().Len(writes, 1)
	s.Equal("6e400002b5a3f393e0a9e50e24dcca9e", writes[0].Characteristic)
	s.Equal([]byte("hello"), writes[0].Data)
	s.True(writes[0].WithResponse)

	s.Eventually(func() bool { return len(s.completions()) == 1 }, time.Second, 5*time.Millisecond,
		"completion MUST be reported exactly once")
	s.Equal(req.ID, s.completions()[0].ID)
	s.Equal(uint64(1), ch.Stats().Completed)
}

func (s *ChannelTestSuite) TestWritesExecuteInOrder() {
	ch := s.newChannel(transfer.Options{})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	var last *transfer.Request
	for _, p := range []string{"one", "two", "three"} {
		req, err := ch.Submit("", []byte(p))
		s.Require().NoError(err)
		last = req
	}
	s.awaitDone(last)

	writes := s.link.Writes()
	s.Require().Len(writes, 3)
	s.Equal("one", string(writes[0].Data))
	s.Equal("two", string(writes[1].Data))
	s.Equal("three", string(writes[2].Data))
}

func (s *ChannelTestSuite) TestPayloadTooLarge() {
	// GOAL: an oversized payload is rejected without truncation and the channel stays open
	ch := s.newChannel(transfer.Options{})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	req, err := ch.Submit("", make([]byte, 21))

	s.Require().Error(err)
	s.Nil(req)
	s.ErrorIs(err, device.ErrPayloadTooLarge)
	var ptl *device.PayloadTooLargeError
	s.Require().ErrorAs(err, &ptl)
	s.Equal(21, ptl.Size)
	s.Equal(20, ptl.Max)
	s.True(ch.IsOpen(), "channel MUST remain open after PayloadTooLarge")
	s.Empty(s.link.Writes())

	exact, err := ch.Submit("", make([]byte, 20))
	s.Require().NoError(err, "payload equal to the maximum MUST be accepted")
	s.awaitDone(exact)
	s.NoError(exact.Err())
}

func (s *ChannelTestSuite) TestUnknownCharacteristic() {
	ch := s.newChannel(transfer.Options{})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	_, err := ch.Submit("2A00", []byte{1})
	s.ErrorIs(err, device.ErrWriteFailed)

	_, err = ch.Submit("not-a-uuid", []byte{1})
	s.Error(err)
	s.Equal(uint64(0), ch.Stats().Submitted)
}

func (s *ChannelTestSuite) TestOpenValidation() {
	ch := s.newChannel(transfer.Options{})

	s.Error(ch.Open(s.link, "zz"))
	s.Error(ch.Open(s.link, "2A00"), "write characteristic MUST exist on the link")
	s.False(ch.IsOpen())

	s.Require().NoError(ch.Open(s.link, rxChar))
	s.Error(ch.Open(s.link, rxChar), "second Open MUST fail")
	s.Equal(20, ch.MaxPayload())
	ch.Close(nil)
	s.Equal(0, ch.MaxPayload())
}

func (s *ChannelTestSuite) TestQueueFull() {
	started, release := s.blockWrites()
	defer close(release)

	ch := s.newChannel(transfer.Options{QueueSize: 1})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	_, err := ch.Submit("", []byte{1})
	s.Require().NoError(err)
	<-started // writer holds the first request

	_, err = ch.Submit("", []byte{2})
	s.Require().NoError(err, "second request fits the queue")

	_, err = ch.Submit("", []byte{3})
	s.ErrorIs(err, device.ErrQueueFull)
	s.Equal(2, ch.Pending())
}

func (s *ChannelTestSuite) TestCloseCancelsPendingWithConnectionLost() {
	// GOAL: tearing the channel down completes every pending request exactly once
	started, release := s.blockWrites()

	ch := s.newChannel(transfer.Options{})
	s.Require().NoError(ch.Open(s.link, rxChar))

	first, err := ch.Submit("", []byte{1})
	s.Require().NoError(err)
	<-started
	second, err := ch.Submit("", []byte{2})
	s.Require().NoError(err)

	cancelled := ch.Close(device.ErrConnectionLost)
	close(release)

	s.Require().Len(cancelled, 2)
	s.Equal(first.ID, cancelled[0].ID)
	s.Equal(second.ID, cancelled[1].ID)

	for _, req := range []*transfer.Request{first, second} {
		s.awaitDone(req)
		s.ErrorIs(req.Err(), device.ErrConnectionLost)
	}

	// give the writer a chance to report the released write
	time.Sleep(20 * time.Millisecond)
	s.Len(s.completions(), 2, "each cancelled request MUST be reported exactly once")
	s.False(ch.IsOpen())
	s.Equal(0, ch.Pending())

	_, err = ch.Submit("", []byte{3})
	s.ErrorIs(err, device.ErrNotConnected)

	s.Nil(ch.Close(nil), "second Close MUST be a no-op")
}

func (s *ChannelTestSuite) TestWriteFailure() {
	s.link.WriteFunc = func(context.Context, testutils.FakeWrite) error {
		return errors.New("att error 0x03")
	}
	ch := s.newChannel(transfer.Options{})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	req, err := ch.Submit("", []byte{1})
	s.Require().NoError(err)
	s.awaitDone(req)

	s.ErrorIs(req.Err(), device.ErrWriteFailed)
	s.Contains(req.Err().Error(), "att error 0x03")
	s.Eventually(func() bool { return ch.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	s.True(ch.IsOpen(), "a failed write MUST NOT close the channel")
}

func (s *ChannelTestSuite) TestWriteTimeout() {
	s.link.WriteFunc = func(ctx context.Context, _ testutils.FakeWrite) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ch := s.newChannel(transfer.Options{WriteTimeout: 20 * time.Millisecond})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	req, err := ch.Submit("", []byte{1})
	s.Require().NoError(err)
	s.awaitDone(req)

	s.ErrorIs(req.Err(), device.ErrWriteFailed)
	s.ErrorIs(req.Err(), context.DeadlineExceeded)
}

func (s *ChannelTestSuite) TestWriteAfterPeerDrop() {
	ch := s.newChannel(transfer.Options{})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	s.link.Drop()
	req, err := ch.Submit("", []byte{1})
	s.Require().NoError(err)
	s.awaitDone(req)

	s.ErrorIs(req.Err(), device.ErrConnectionLost)
}

func (s *ChannelTestSuite) TestRead() {
	s.link.SetValue(battery, []byte{87})
	ch := s.newChannel(transfer.Options{})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	req, err := ch.Read("0x2A19")
	s.Require().NoError(err)
	s.awaitDone(req)

	s.NoError(req.Err())
	s.Equal(transfer.OpRead, req.Op)
	s.Equal([]byte{87}, req.Value())

	_, err = ch.Read("")
	s.Error(err)
}

func (s *ChannelTestSuite) TestHandleIncoming() {
	ch := s.newChannel(transfer.Options{
		Now: func() time.Time { return time.UnixMicro(1_700_000_000_000_000) },
	})
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	data := []byte{0xde, 0xad}
	rec, err := ch.HandleIncoming(txChar, data)
	s.Require().NoError(err)
	data[0] = 0 // record MUST own its bytes

	s.Equal(uint64(1), rec.Seq)
	s.Equal(int64(1_700_000_000_000_000), rec.TsUs)
	s.Equal("6e400003b5a3f393e0a9e50e24dcca9e", rec.Characteristic)
	s.Equal([]byte{0xde, 0xad}, rec.Raw)
	s.Equal("dead", rec.Values["hex"])

	rec, err = ch.HandleIncoming(txChar, []byte{1})
	s.Require().NoError(err)
	s.Equal(uint64(2), rec.Seq)
	s.Equal(uint64(2), ch.Stats().Received)
}

func (s *ChannelTestSuite) TestDecodeErrorKeepsChannelUsable() {
	// GOAL: a malformed payload is reported as DecodeError and later payloads still decode
	decoder := codec.DecoderFunc(func(_ string, data []byte) (map[string]any, error) {
		switch {
		case len(data) == 0:
			return nil, errors.New("empty frame")
		case data[0] == 0xff:
			panic("bad frame")
		}
		return map[string]any{"v": int(data[0])}, nil
	})
	ch := transfer.NewChannel(decoder, transfer.Options{}, s.helper.Logger)
	s.Require().NoError(ch.Open(s.link, rxChar))
	defer ch.Close(nil)

	_, err := ch.HandleIncoming(txChar, nil)
	s.ErrorIs(err, device.ErrDecode)
	s.Contains(err.Error(), "empty frame")

	_, err = ch.HandleIncoming(txChar, []byte{0xff})
	s.ErrorIs(err, device.ErrDecode, "decoder panics MUST surface as DecodeError")

	rec, err := ch.HandleIncoming(txChar, []byte{7})
	s.Require().NoError(err)
	s.Equal(7, rec.Values["v"])

	st := ch.Stats()
	s.Equal(uint64(3), st.Received)
	s.Equal(uint64(2), st.DecodeErrors)
	s.True(ch.IsOpen())
}

func (s *ChannelTestSuite) TestHandleIncomingWhenClosed() {
	ch := s.newChannel(transfer.Options{})
	_, err := ch.HandleIncoming(txChar, []byte{1})
	s.ErrorIs(err, device.ErrNotConnected)
	s.Equal(uint64(0), ch.Stats().Received)
}

func (s *ChannelTestSuite) TestReopenAfterClose() {
	ch := s.newChannel(transfer.Options{})
	s.Require().NoError(ch.Open(s.link, rxChar))
	ch.Close(nil)

	other := testutils.NewFakeLink("11:22:33:44:55:66", 64, rxChar)
	s.Require().NoError(ch.Open(other, rxChar))
	defer ch.Close(nil)

	req, err := ch.Submit("", make([]byte, 40))
	s.Require().NoError(err, "new link's maximum payload MUST apply")
	s.awaitDone(req)
	s.Len(other.Writes(), 1)
	s.Empty(s.link.Writes())
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}
