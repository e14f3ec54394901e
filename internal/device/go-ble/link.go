package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	"github.com/srg/blemgr/internal/groutine"
)

const (
	// DefaultATTMTU is the BLE 4.0 ATT_MTU used when MTU exchange is unavailable.
	DefaultATTMTU = 23

	// PreferredRxMTU is the MTU requested during exchange.
	PreferredRxMTU = 247

	attHeaderSize = 3
)

// client is the subset of ble.Client a Link uses
type client interface {
	Addr() ble.Addr
	DiscoverProfile(force bool) (*ble.Profile, error)
	ExchangeMTU(rxMTU int) (int, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// Link implements device.Link over a go-ble client
type Link struct {
	client  client
	address string
	mtu     int
	chars   map[string]*ble.Characteristic
	logger  *logrus.Logger

	// opMu serializes ATT operations; go-ble clients allow one outstanding request
	opMu sync.Mutex

	subMu      sync.Mutex
	subscribed map[string]*ble.Characteristic

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(cl client, address string, logger *logrus.Logger) (*Link, error) {
	logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := cl.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	mtu := DefaultATTMTU
	if txMTU, err := cl.ExchangeMTU(PreferredRxMTU); err != nil {
		logger.WithField("error", err).Debug("MTU exchange unavailable, using default ATT MTU")
	} else if txMTU > DefaultATTMTU {
		mtu = txMTU
	}

	l := &Link{
		client:     cl,
		address:    address,
		mtu:        mtu,
		chars:      make(map[string]*ble.Characteristic),
		logger:     logger,
		subscribed: make(map[string]*ble.Characteristic),
		done:       make(chan struct{}),
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			l.chars[device.NormalizeUUID(c.UUID.String())] = c
		}
	}

	// Monitor go-ble client Disconnected() channel
	if dc, ok := cl.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				logger.WithField("address", address).Warn("BLE stack reported disconnection")
				l.markDone()
			case <-l.done:
			}
		})
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}

	logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(profile.Services),
		"characteristics": len(l.chars),
		"mtu":             mtu,
	}).Info("BLE link established")
	return l, nil
}

func (l *Link) Address() string { return l.address }

func (l *Link) MaxPayload() int { return l.mtu - attHeaderSize }

func (l *Link) HasCharacteristic(uuid string) bool {
	_, ok := l.chars[device.NormalizeUUID(uuid)]
	return ok
}

func (l *Link) characteristic(uuid string) (*ble.Characteristic, error) {
	c, ok := l.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found on %s", uuid, l.address)
	}
	return c, nil
}

func (l *Link) Subscribe(uuid string, handler device.NotificationHandler) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s supports neither notify nor indicate", uuid)
	}
	indicate := c.Property&ble.CharNotify == 0

	l.opMu.Lock()
	err = l.client.Subscribe(c, indicate, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		handler(buf)
	})
	l.opMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", uuid, NormalizeError(err))
	}

	l.subMu.Lock()
	l.subscribed[device.NormalizeUUID(uuid)] = c
	l.subMu.Unlock()
	return nil
}

// run executes a blocking ATT operation, returning early when ctx is done.
// The operation itself keeps the link busy until go-ble returns.
func (l *Link) run(ctx context.Context, op func() error) error {
	select {
	case <-l.done:
		return device.ErrConnectionLost
	default:
	}

	result := make(chan error, 1)
	groutine.Go(ctx, "ble-link-op", func(context.Context) {
		l.opMu.Lock()
		defer l.opMu.Unlock()
		result <- op()
	})

	select {
	case err := <-result:
		return NormalizeError(err)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", device.ErrTimeout, ctx.Err())
	case <-l.done:
		return device.ErrConnectionLost
	}
}

func (l *Link) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}
	if limit := l.MaxPayload(); len(data) > limit {
		return &device.PayloadTooLargeError{Size: len(data), Max: limit}
	}
	noRsp := !withResponse
	if withResponse && c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0 {
		noRsp = true
	}
	return l.run(ctx, func() error {
		return l.client.WriteCharacteristic(c, data, noRsp)
	})
}

func (l *Link) Read(ctx context.Context, uuid string) ([]byte, error) {
	c, err := l.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = l.run(ctx, func() error {
		v, err := l.client.ReadCharacteristic(c)
		value = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (l *Link) Disconnected() <-chan struct{} { return l.done }

func (l *Link) markDone() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Close unsubscribes every characteristic and cancels the connection.
func (l *Link) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}

	l.subMu.Lock()
	subs := l.subscribed
	l.subscribed = make(map[string]*ble.Characteristic)
	l.subMu.Unlock()

	l.opMu.Lock()
	for uuid, c := range subs {
		if err := l.client.Unsubscribe(c, c.Property&ble.CharNotify == 0); err != nil {
			l.logger.WithFields(logrus.Fields{
				"char_uuid": uuid,
				"error":     err,
			}).Warn("Failed to unsubscribe during disconnect")
		}
	}
	err := l.client.CancelConnection()
	l.opMu.Unlock()

	l.markDone()
	if err != nil {
		l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	l.logger.WithField("address", l.address).Info("BLE device disconnected successfully")
	return nil
}
