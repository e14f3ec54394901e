// Package ptyio wraps a pseudo-terminal master in non-blocking ring buffers.
//
// Bytes written with Write are queued for the slave side and flushed by a
// background loop; bytes produced by the slave are buffered and handed to the
// read callback. Both directions drop data instead of blocking when their
// buffer is full.
//
//	p, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(data []byte) { ... })
//	_, _ = p.Write([]byte("hello\n"))
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blemgr/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize  = 4096
	DefaultPollTimeout = 50 * time.Millisecond

	chunkSize = 4096
)

// ReadCallback receives bytes produced by the slave. It runs on a background
// goroutine and must not retain data.
type ReadCallback func(data []byte)

// PTY is a non-blocking pseudo-terminal
type PTY interface {
	io.WriteCloser
	TTYName() string
	SetReadCallback(cb ReadCallback)
	Stats() Stats
}

// Stats holds byte counters
type Stats struct {
	Written       uint64 `json:"written"`
	Read          uint64 `json:"read"`
	DroppedWrites uint64 `json:"dropped_writes"`
	DroppedReads  uint64 `json:"dropped_reads"`
	PendingWrites int    `json:"pending_writes"`
	PendingReads  int    `json:"pending_reads"`
}

// Options configures Open. Zero values select defaults.
type Options struct {
	ReadCap     int
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
}

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	name        string
	pollTimeout int

	toSlave   *ringbuffer.RingBuffer
	fromSlave *ringbuffer.RingBuffer

	cb     atomic.Pointer[ReadCallback]
	notify chan struct{}
	wake   chan struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	written, read, droppedWrites, droppedReads atomic.Uint64
}

// Open creates a raw-mode PTY pair and starts its I/O loops
func Open(opts Options) (PTY, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultBufferSize
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      logger,
		master:      master,
		slave:       slave,
		name:        slave.Name(),
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		toSlave:     ringbuffer.New(opts.WriteCap),
		fromSlave:   ringbuffer.New(opts.ReadCap),
		notify:      make(chan struct{}, 1),
		wake:        make(chan struct{}, 1),
		cancel:      cancel,
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-write-loop", p.writeLoop)
	groutine.Go(ctx, "pty-read-loop", p.readLoop)
	groutine.Go(ctx, "pty-dispatch", p.dispatch)

	logger.WithField("tty", p.name).Debug("PTY opened")
	return p, nil
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY: %w", err)
	}
	fail := func(step string, err error) (*os.File, *os.File, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to %s %s: %w", step, slave.Name(), err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode on", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set non-blocking mode on master of", err)
	}
	return master, slave, nil
}

func (p *ringPTY) TTYName() string { return p.name }

// Write queues data for the slave. It never blocks; the returned count is
// smaller than len(data) when the buffer overflowed.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.toSlave.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	if dropped := len(data) - n; dropped > 0 {
		p.droppedWrites.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"tty":     p.name,
			"dropped": dropped,
		}).Warn("PTY write buffer overflow")
	}
	return n, nil
}

// SetReadCallback sets the consumer of slave output; nil unregisters it
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if cb == nil {
		p.cb.Store(nil)
		return
	}
	p.cb.Store(&cb)
	p.signal()
}

func (p *ringPTY) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		Written:       p.written.Load(),
		Read:          p.read.Load(),
		DroppedWrites: p.droppedWrites.Load(),
		DroppedReads:  p.droppedReads.Load(),
		PendingWrites: p.toSlave.Length(),
		PendingReads:  p.fromSlave.Length(),
	}
}

func (p *ringPTY) poll(events int16) bool {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: events}}
	n, err := unix.Poll(fds, p.pollTimeout)
	if err != nil && !errors.Is(err, syscall.EINTR) {
		p.logger.WithError(err).Debug("PTY poll failed")
		return false
	}
	return n > 0
}

func (p *ringPTY) writeLoop(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, chunkSize)

	for ctx.Err() == nil {
		if p.toSlave.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		n, _ := p.toSlave.Read(buf)
		for off := 0; off < n && ctx.Err() == nil; {
			w, err := p.master.Write(buf[off:n])
			off += max(w, 0)
			p.written.Add(uint64(max(w, 0)))
			switch {
			case err == nil:
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
				p.poll(unix.POLLOUT)
			default:
				if !p.closed.Load() {
					p.logger.WithError(err).Warn("PTY write loop stopped")
				}
				return
			}
		}
	}
}

func (p *ringPTY) readLoop(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, chunkSize)

	for ctx.Err() == nil {
		if !p.poll(unix.POLLIN) {
			continue
		}
		n, err := p.master.Read(buf)
		if n > 0 {
			w, _ := p.fromSlave.Write(buf[:n])
			p.read.Add(uint64(w))
			if dropped := n - w; dropped > 0 {
				p.droppedReads.Add(uint64(dropped))
				p.logger.WithFields(logrus.Fields{
					"tty":     p.name,
					"dropped": dropped,
				}).Warn("PTY read buffer overflow")
			}
			p.signal()
		}
		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
			return
		case errors.Is(err, syscall.EIO):
			// no process has the slave open
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
		default:
			if !p.closed.Load() {
				p.logger.WithError(err).Warn("PTY read loop stopped")
			}
			return
		}
	}
}

func (p *ringPTY) dispatch(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, chunkSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}
		for {
			cb := p.cb.Load()
			if cb == nil {
				break
			}
			n, _ := p.fromSlave.Read(buf)
			if n == 0 {
				break
			}
			p.deliver(*cb, buf[:n])
		}
	}
}

func (p *ringPTY) deliver(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"tty":   p.name,
				"panic": r,
			}).Error("PTY read callback panicked")
		}
	}()
	cb(data)
}

// Close stops the loops and closes both ends. Safe to call more than once.
func (p *ringPTY) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
		p.wg.Wait()
		err = errors.Join(p.master.Close(), p.slave.Close())
		p.logger.WithField("tty", p.name).Debug("PTY closed")
	})
	return err
}
