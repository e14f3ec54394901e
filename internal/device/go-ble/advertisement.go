package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blemgr/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *BLEAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *BLEAdvertisement) TxPowerLevel() int        { return a.adv.TxPowerLevel() }
func (a *BLEAdvertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int                { return a.adv.RSSI() }

func (a *BLEAdvertisement) Addr() string {
	if addr := a.adv.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (a *BLEAdvertisement) ServiceData() []device.ServiceData {
	raw := a.adv.ServiceData()
	result := make([]device.ServiceData, len(raw))
	for i, sd := range raw {
		result[i] = device.ServiceData{UUID: device.NormalizeUUID(sd.UUID.String()), Data: sd.Data}
	}
	return result
}

func (a *BLEAdvertisement) Services() []string         { return uuidStrings(a.adv.Services()) }
func (a *BLEAdvertisement) OverflowService() []string  { return uuidStrings(a.adv.OverflowService()) }
func (a *BLEAdvertisement) SolicitedService() []string { return uuidStrings(a.adv.SolicitedService()) }

func uuidStrings(uuids []ble.UUID) []string {
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = device.NormalizeUUID(u.String())
	}
	return result
}
