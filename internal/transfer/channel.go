// Package transfer moves data over the connected peripheral's characteristics.
//
// Writes and reads are queued and executed one at a time by a writer
// goroutine; inbound payloads are decoded into device.Record values. A channel
// is only usable between Open and Close.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/codec"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultQueueSize    = 32
)

// Options configures a Channel
type Options struct {
	WriteTimeout time.Duration
	QueueSize    int
	// WithResponse selects write requests over write commands
	WithResponse bool
	Now          func() time.Time
	// OnComplete is called from the writer goroutine (or from Close) exactly
	// once per submitted request.
	OnComplete func(*Request)
}

// Stats counts channel activity since creation
type Stats struct {
	Submitted    uint64 `json:"submitted"`
	Completed    uint64 `json:"completed"`
	Failed       uint64 `json:"failed"`
	Received     uint64 `json:"received"`
	DecodeErrors uint64 `json:"decode_errors"`
}

type counters struct {
	submitted    atomic.Uint64
	completed    atomic.Uint64
	failed       atomic.Uint64
	received     atomic.Uint64
	decodeErrors atomic.Uint64
}

// Channel is the transfer half of a connection
type Channel struct {
	opts    Options
	decoder codec.Decoder
	logger  *logrus.Logger
	stats   counters

	mu         sync.Mutex
	open       bool
	link       device.Link
	writeChar  string
	maxPayload int
	queue      chan *Request
	pending    *orderedmap.OrderedMap[uuid.UUID, *Request]
	cancel     context.CancelFunc
	seq        uint64
}

// NewChannel creates a closed channel decoding with decoder (codec.Raw when nil)
func NewChannel(decoder codec.Decoder, opts Options, logger *logrus.Logger) *Channel {
	if logger == nil {
		logger = logrus.New()
	}
	if decoder == nil {
		decoder = codec.Raw{}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		opts:    opts,
		decoder: decoder,
		logger:  logger,
		pending: orderedmap.New[uuid.UUID, *Request](),
	}
}

// Open binds the channel to link and starts the writer.
// writeChar is the default target of Submit.
func (c *Channel) Open(link device.Link, writeChar string) error {
	char := device.NormalizeUUID(writeChar)
	if char == "" {
		return fmt.Errorf("invalid write characteristic %q", writeChar)
	}
	if !link.HasCharacteristic(char) {
		return fmt.Errorf("write characteristic %s not found on %s", writeChar, link.Address())
	}

	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return fmt.Errorf("transfer channel already open for %s", c.link.Address())
	}
	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan *Request, c.opts.QueueSize)
	c.open = true
	c.link = link
	c.writeChar = char
	c.maxPayload = link.MaxPayload()
	c.queue = queue
	c.cancel = cancel
	c.mu.Unlock()

	groutine.Go(ctx, "transfer-writer", func(ctx context.Context) {
		c.run(ctx, link, queue)
	})

	c.logger.WithFields(logrus.Fields{
		"address":     link.Address(),
		"write_char":  char,
		"max_payload": link.MaxPayload(),
	}).Debug("Transfer channel opened")
	return nil
}

// IsOpen reports whether requests are accepted
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// MaxPayload returns the negotiated maximum write size, 0 when closed
func (c *Channel) MaxPayload() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return 0
	}
	return c.maxPayload
}

// Pending returns the number of queued or in-flight requests
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

// Submit queues a write of payload to characteristic (the default write
// characteristic when empty). Validation failures are returned synchronously
// and produce no request.
func (c *Channel) Submit(characteristic string, payload []byte) (*Request, error) {
	return c.enqueue(OpWrite, characteristic, payload)
}

// Read queues a read of characteristic
func (c *Channel) Read(characteristic string) (*Request, error) {
	if characteristic == "" {
		return nil, fmt.Errorf("characteristic is required for reads")
	}
	return c.enqueue(OpRead, characteristic, nil)
}

func (c *Channel) enqueue(op Op, characteristic string, payload []byte) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil, device.NewError(device.KindNotConnected, fmt.Sprintf("cannot %s", op), nil)
	}

	char := c.writeChar
	if characteristic != "" {
		char = device.NormalizeUUID(characteristic)
		if char == "" {
			return nil, fmt.Errorf("invalid characteristic UUID %q", characteristic)
		}
		if !c.link.HasCharacteristic(char) {
			return nil, device.NewError(device.KindWriteFailed,
				fmt.Sprintf("characteristic %s not found on %s", char, c.link.Address()), nil)
		}
	}

	if op == OpWrite && len(payload) > c.maxPayload {
		return nil, &device.PayloadTooLargeError{Size: len(payload), Max: c.maxPayload}
	}

	req := newRequest(op, char, payload, c.opts.Now())
	select {
	case c.queue <- req:
	default:
		return nil, device.NewError(device.KindQueueFull,
			fmt.Sprintf("%d requests pending", c.pending.Len()), nil)
	}
	c.pending.Set(req.ID, req)
	c.stats.submitted.Add(1)

	c.logger.WithFields(logrus.Fields{
		"request_id":     req.ID,
		"op":             op,
		"characteristic": char,
		"size":           len(payload),
	}).Debug("Transfer request queued")
	return req, nil
}

func (c *Channel) run(ctx context.Context, link device.Link, queue <-chan *Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-queue:
			value, err := c.execute(ctx, link, req)
			if ctx.Err() != nil {
				// Close already cancelled everything still pending
				return
			}
			c.finish(req, value, err)
		}
	}
}

func (c *Channel) execute(ctx context.Context, link device.Link, req *Request) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	var (
		value []byte
		err   error
	)
	switch req.Op {
	case OpRead:
		value, err = link.Read(opCtx, req.Characteristic)
	default:
		err = link.Write(opCtx, req.Characteristic, req.Payload, c.opts.WithResponse)
	}
	if err == nil {
		return value, nil
	}

	switch {
	case errors.Is(err, device.ErrConnectionLost):
		return nil, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		return nil, device.NewError(device.KindWriteFailed,
			fmt.Sprintf("%s timed out after %s", req.Op, c.opts.WriteTimeout), err)
	default:
		return nil, device.NewError(device.KindWriteFailed, fmt.Sprintf("%s failed", req.Op), err)
	}
}

// finish completes req unless Close got to it first
func (c *Channel) finish(req *Request, value []byte, err error) {
	c.mu.Lock()
	if _, ok := c.pending.Get(req.ID); !ok {
		c.mu.Unlock()
		return
	}
	c.pending.Delete(req.ID)
	c.mu.Unlock()

	if !req.complete(value, err) {
		return
	}
	if err != nil {
		c.stats.failed.Add(1)
		c.logger.WithFields(logrus.Fields{
			"request_id":     req.ID,
			"characteristic": req.Characteristic,
			"error":          err,
		}).Warn("Transfer request failed")
	} else {
		c.stats.completed.Add(1)
		c.logger.WithField("request_id", req.ID).Debug("Transfer request completed")
	}
	if c.opts.OnComplete != nil {
		c.opts.OnComplete(req)
	}
}

// Close tears the channel down. Every pending request completes with
// ConnectionLost wrapping cause. Returns the cancelled requests in submission order.
func (c *Channel) Close(cause error) []*Request {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.cancel()
	address := c.link.Address()
	cancelled := make([]*Request, 0, c.pending.Len())
	for pair := c.pending.Oldest(); pair != nil; pair = pair.Next() {
		cancelled = append(cancelled, pair.Value)
	}
	c.pending = orderedmap.New[uuid.UUID, *Request]()
	c.link = nil
	c.queue = nil
	c.mu.Unlock()

	for _, req := range cancelled {
		err := device.NewError(device.KindConnectionLost, fmt.Sprintf("request %s cancelled", req.ID), cause)
		if !req.complete(nil, err) {
			continue
		}
		c.stats.failed.Add(1)
		if c.opts.OnComplete != nil {
			c.opts.OnComplete(req)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"address":   address,
		"cancelled": len(cancelled),
	}).Debug("Transfer channel closed")
	return cancelled
}

// HandleIncoming decodes a payload received from characteristic.
// Decode failures are returned as DecodeError; the channel stays usable.
// Payloads arriving while closed are dropped with ErrNotConnected.
func (c *Channel) HandleIncoming(characteristic string, data []byte) (device.Record, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return device.Record{}, device.NewError(device.KindNotConnected, "payload dropped", nil)
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.stats.received.Add(1)
	char := device.NormalizeUUID(characteristic)
	raw := slices.Clone(data)

	values, err := c.safeDecode(char, raw)
	if err != nil {
		c.stats.decodeErrors.Add(1)
		return device.Record{}, device.NewError(device.KindDecode,
			fmt.Sprintf("characteristic %s, %d bytes", char, len(raw)), err)
	}

	return device.Record{
		TsUs:           c.opts.Now().UnixMicro(),
		Seq:            seq,
		Characteristic: char,
		Raw:            raw,
		Values:         values,
	}, nil
}

func (c *Channel) safeDecode(char string, data []byte) (values map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return c.decoder.Decode(char, data)
}

// Stats returns a snapshot of the counters
func (c *Channel) Stats() Stats {
	return Stats{
		Submitted:    c.stats.submitted.Load(),
		Completed:    c.stats.completed.Load(),
		Failed:       c.stats.failed.Load(),
		Received:     c.stats.received.Load(),
		DecodeErrors: c.stats.decodeErrors.Load(),
	}
}
