package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/srg/blemgr/internal/device"
)

// Advertisement is a fixed device.Advertisement produced by AdvertisementBuilder
type Advertisement struct {
	Name        string
	Address     string
	Signal      int
	ServiceIDs  []string
	Manufacture []byte
	SvcData     []device.ServiceData
	TxPower     int
	IsConn      bool
}

func (a *Advertisement) LocalName() string                 { return a.Name }
func (a *Advertisement) ManufacturerData() []byte          { return a.Manufacture }
func (a *Advertisement) ServiceData() []device.ServiceData { return a.SvcData }
func (a *Advertisement) Services() []string                { return a.ServiceIDs }
func (a *Advertisement) OverflowService() []string         { return nil }
func (a *Advertisement) TxPowerLevel() int                 { return a.TxPower }
func (a *Advertisement) Connectable() bool                 { return a.IsConn }
func (a *Advertisement) SolicitedService() []string        { return nil }
func (a *Advertisement) RSSI() int                         { return a.Signal }
func (a *Advertisement) Addr() string                      { return a.Address }

// AdvertisementBuilder builds advertisements for tests with a fluent API.
// It starts connectable, with RSSI -50 and no TX power.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder with default values.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{
		Signal:  -50,
		TxPower: device.TxPowerUnknown,
		IsConn:  true,
	}}
}

// Adv is shorthand for an advertisement with address, name and RSSI set.
func Adv(address, name string, rssi int) *Advertisement {
	return NewAdvertisementBuilder().WithAddress(address).WithName(name).WithRSSI(rssi).Build()
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Signal = rssi
	return b
}

// WithServices adds service UUIDs in any accepted form (e.g. "180D" or full form).
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceIDs = append(b.adv.ServiceIDs, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.Manufacture = data
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.adv.SvcData = append(b.adv.SvcData, device.ServiceData{UUID: uuid, Data: data})
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.TxPower = power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConn = c
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var data struct {
		Name             *string           `json:"name"`
		Address          *string           `json:"address"`
		RSSI             *int              `json:"rssi"`
		Services         []string          `json:"services"`
		ManufacturerData []byte            `json:"manufacturerData"`
		ServiceData      map[string][]byte `json:"serviceData"`
		TxPower          *int              `json:"txPower"`
		Connectable      *bool             `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &data); err != nil {
		panic(fmt.Sprintf("FromJSON: %v", err))
	}

	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if data.Services != nil {
		b.WithServices(data.Services...)
	}
	if data.ManufacturerData != nil {
		b.WithManufacturerData(data.ManufacturerData)
	}
	keys := make([]string, 0, len(data.ServiceData))
	for k := range data.ServiceData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WithServiceData(k, data.ServiceData[k])
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	return &adv
}
