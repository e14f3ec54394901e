// Package bridge exposes a connected peripheral's data channel as a
// pseudo-terminal. Notifications are written to the PTY; bytes read from the
// PTY are split at the link's maximum payload and submitted as writes.
package bridge

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/ptyio"
	"github.com/srg/blemgr/internal/transfer"
	"github.com/srg/blemgr/session"
)

// Session is the part of session.Manager the bridge drives
type Session interface {
	ConnectWait(ctx context.Context, id string) error
	Disconnect() error
	Write(payload []byte) (*transfer.Request, error)
	MaxPayload() int
	OnData(fn func(device.Record)) func()
	OnError(fn func(session.ErrorEvent)) func()
}

var _ Session = (*session.Manager)(nil)

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// Options configures Run
type Options struct {
	Address string
	// SymlinkPath, when set, is linked to the PTY slave for the bridge lifetime
	SymlinkPath string
	ReadCap     int
	WriteCap    int
	Logger      *logrus.Logger
	Progress    ProgressCallback
	// OpenPTY replaces ptyio.Open
	OpenPTY func(ptyio.Options) (ptyio.PTY, error)
}

// Stats counts bytes moved by a bridge
type Stats struct {
	FromDevice  uint64      `json:"from_device"`
	ToDevice    uint64      `json:"to_device"`
	Writes      uint64      `json:"writes"`
	WriteErrors uint64      `json:"write_errors"`
	// Dropped counts PTY input bytes never submitted after a rejected write
	Dropped     uint64      `json:"dropped"`
	PTY         ptyio.Stats `json:"pty"`
}

// Bridge is a running bridge, handed to the ready callback of Run
type Bridge struct {
	pty     ptyio.PTY
	symlink string

	fromDevice, toDevice, writes, writeErrors, dropped atomic.Uint64
}

// TTYName returns the PTY slave path
func (b *Bridge) TTYName() string { return b.pty.TTYName() }

// Symlink returns the symlink path, "" when none was requested
func (b *Bridge) Symlink() string { return b.symlink }

func (b *Bridge) Stats() Stats {
	return Stats{
		FromDevice:  b.fromDevice.Load(),
		ToDevice:    b.toDevice.Load(),
		Writes:      b.writes.Load(),
		WriteErrors: b.writeErrors.Load(),
		Dropped:     b.dropped.Load(),
		PTY:         b.pty.Stats(),
	}
}

// Run connects sess to opts.Address, opens the PTY and moves data until ctx
// is done or the connection is lost. ready, when not nil, is called once the
// bridge is running. The connection is closed on return.
func Run(ctx context.Context, sess Session, opts Options, ready func(*Bridge)) error {
	if sess == nil {
		return fmt.Errorf("failed to run bridge: session is required")
	}
	if opts.Address == "" {
		return fmt.Errorf("failed to run bridge: device address is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(string) {}
	}
	openPTY := opts.OpenPTY
	if openPTY == nil {
		openPTY = ptyio.Open
	}

	var unsubscribe []func()
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}()

	progress("Connecting")
	if err := sess.ConnectWait(ctx, opts.Address); err != nil {
		progress("Failed")
		return fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			logger.WithError(err).Debug("Disconnect after bridge failed")
		}
	}()
	progress("Connected")

	progress("Setting up PTY")
	p, err := openPTY(ptyio.Options{ReadCap: opts.ReadCap, WriteCap: opts.WriteCap, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		p.SetReadCallback(nil)
		if err := p.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close PTY")
		}
	}()
	logger.WithField("tty", p.TTYName()).Info("Created PTY device")

	b := &Bridge{pty: p}
	if opts.SymlinkPath != "" {
		if err := os.Symlink(p.TTYName(), opts.SymlinkPath); err != nil {
			return fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.SymlinkPath, p.TTYName(), err)
		}
		b.symlink = opts.SymlinkPath
		defer func() {
			if err := os.Remove(b.symlink); err != nil {
				logger.WithError(err).WithField("symlink", b.symlink).Warn("Failed to remove tty symlink")
			}
		}()
		logger.WithFields(logrus.Fields{
			"symlink": b.symlink,
			"target":  p.TTYName(),
		}).Info("Created PTY symlink")
	}

	lost := make(chan error, 1)
	unsubscribe = append(unsubscribe,
		sess.OnData(func(rec device.Record) {
			n, _ := p.Write(rec.Raw)
			b.fromDevice.Add(uint64(n))
		}),
		sess.OnError(func(ev session.ErrorEvent) {
			if ev.Kind == device.KindConnectionLost && ev.RequestID == "" {
				select {
				case lost <- ev.Err:
				default:
				}
				return
			}
			logger.WithFields(logrus.Fields{
				"kind":    ev.Kind,
				"request": ev.RequestID,
			}).Warn(ev.Message)
		}),
	)
	p.SetReadCallback(func(data []byte) { b.forward(sess, data, logger) })

	progress("Running")
	if ready != nil {
		ready(b)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("bridge to %s stopped: %w", opts.Address, err)
	}
}

// forward submits PTY input to the peripheral, one write per chunk. The first
// rejected chunk drops the rest of data so the peripheral never sees a gap.
func (b *Bridge) forward(sess Session, data []byte, logger *logrus.Logger) {
	sent := 0
	for _, chunk := range Chunks(data, sess.MaxPayload()) {
		if _, err := sess.Write(chunk); err != nil {
			b.writeErrors.Add(1)
			b.dropped.Add(uint64(len(data) - sent))
			logger.WithError(err).WithFields(logrus.Fields{
				"sent":    sent,
				"dropped": len(data) - sent,
			}).Warn("Dropped PTY input")
			return
		}
		sent += len(chunk)
		b.writes.Add(1)
		b.toDevice.Add(uint64(len(chunk)))
	}
}

// Chunks splits data into consecutive slices of at most size bytes.
// It returns nil when size is not positive.
func Chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size:size])
		data = data[size:]
	}
	return append(out, data)
}
