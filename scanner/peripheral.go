package scanner

import (
	"encoding/binary"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/srg/blemgr/internal/bledb"
	"github.com/srg/blemgr/internal/device"
)

// Peripheral is the registry record of a discovered device
type Peripheral struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi"`
	TxPower          *int              `json:"tx_power,omitempty"`
	Connectable      bool              `json:"connectable"`
	Services         []string          `json:"services,omitempty"`
	ManufacturerData []byte            `json:"manufacturer_data,omitempty"`
	// Vendor is resolved from the company identifier leading ManufacturerData
	Vendor           string            `json:"vendor,omitempty"`
	ServiceData      map[string][]byte `json:"service_data,omitempty"`
	FirstSeen        time.Time         `json:"first_seen"`
	LastSeen         time.Time         `json:"last_seen"`
	Sightings        int               `json:"sightings"`
}

// DisplayName returns the advertised name, falling back to the identifier
func (p *Peripheral) DisplayName() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name
}

// Clone returns a deep copy
func (p *Peripheral) Clone() Peripheral {
	c := *p
	c.Services = slices.Clone(p.Services)
	c.ManufacturerData = slices.Clone(p.ManufacturerData)
	if p.ServiceData != nil {
		c.ServiceData = make(map[string][]byte, len(p.ServiceData))
		for k, v := range p.ServiceData {
			c.ServiceData[k] = slices.Clone(v)
		}
	}
	if p.TxPower != nil {
		tx := *p.TxPower
		c.TxPower = &tx
	}
	return c
}

func newPeripheral(adv device.Advertisement, now time.Time) *Peripheral {
	p := &Peripheral{
		ID:          adv.Addr(),
		FirstSeen:   now,
		ServiceData: make(map[string][]byte),
	}
	p.update(adv, now)
	return p
}

// update applies a sighting. Name, RSSI and timestamps are last-write-wins;
// an empty name never erases a known one and services are merged.
func (p *Peripheral) update(adv device.Advertisement, now time.Time) {
	if name := adv.LocalName(); name != "" {
		p.Name = name
	}
	p.RSSI = adv.RSSI()
	p.LastSeen = now
	p.Sightings++
	p.Connectable = adv.Connectable()

	if tx := adv.TxPowerLevel(); tx != device.TxPowerUnknown {
		p.TxPower = &tx
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		p.ManufacturerData = slices.Clone(md)
		if len(md) >= 2 {
			p.Vendor = bledb.LookupVendor(binary.LittleEndian.Uint16(md))
		}
	}
	for _, sd := range adv.ServiceData() {
		p.ServiceData[device.NormalizeUUID(sd.UUID)] = slices.Clone(sd.Data)
	}

	set := make(map[string]struct{}, len(p.Services))
	for _, s := range p.Services {
		set[s] = struct{}{}
	}
	for _, s := range device.NormalizeUUIDs(adv.Services()) {
		set[s] = struct{}{}
	}
	p.Services = slices.Collect(maps.Keys(set))
	sort.Strings(p.Services)
}
