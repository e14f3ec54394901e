package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Addr() ble.Addr {
	return m.Called().Get(0).(ble.Addr)
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

// disconnectingClient adds the Disconnected() channel some go-ble clients expose
type disconnectingClient struct {
	*mockClient
	disconnected chan struct{}
}

func (d *disconnectingClient) Disconnected() <-chan struct{} { return d.disconnected }

type mockCentral struct {
	mock.Mock
}

func (m *mockCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *mockCentral) Dial(ctx context.Context, addr ble.Addr) (client, error) {
	args := m.Called(ctx, addr)
	c, _ := args.Get(0).(client)
	return c, args.Error(1)
}

func (m *mockCentral) Stop() error {
	return m.Called().Error(0)
}

// stubAdvertisement is a fixed ble.Advertisement
type stubAdvertisement struct {
	name        string
	addr        string
	rssi        int
	services    []ble.UUID
	manufData   []byte
	serviceData []ble.ServiceData
	txPower     int
	connectable bool
}

func (a *stubAdvertisement) LocalName() string              { return a.name }
func (a *stubAdvertisement) ManufacturerData() []byte       { return a.manufData }
func (a *stubAdvertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a *stubAdvertisement) Services() []ble.UUID           { return a.services }
func (a *stubAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *stubAdvertisement) TxPowerLevel() int              { return a.txPower }
func (a *stubAdvertisement) Connectable() bool              { return a.connectable }
func (a *stubAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *stubAdvertisement) RSSI() int                      { return a.rssi }
func (a *stubAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }
