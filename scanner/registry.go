// Package scanner keeps the set of peripherals discovered during one scan window.
package scanner

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry holds peripheral records in first-sighting order.
// Readers always receive copies; only Record and EvictStale mutate entries.
type Registry struct {
	mu       sync.RWMutex
	entries  *orderedmap.OrderedMap[string, *Peripheral]
	scanning bool
	filter   Filter
	logger   *logrus.Logger
}

// NewRegistry creates an idle, empty registry
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		entries: orderedmap.New[string, *Peripheral](),
		logger:  logger,
	}
}

// StartScan clears prior entries and starts accepting reports that pass filter
func (r *Registry) StartScan(filter Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = orderedmap.New[string, *Peripheral]()
	r.filter = filter
	r.scanning = true
}

// StopScan stops accepting reports. Contents persist until the next StartScan.
// Returns false if the registry was not scanning.
func (r *Registry) StopScan() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	was := r.scanning
	r.scanning = false
	return was
}

func (r *Registry) IsScanning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scanning
}

// Record upserts a peripheral from an advertisement.
// It returns the updated record and false when the report was ignored: the
// registry is not scanning, the advertisement has no address, or the filter
// rejected a first sighting.
func (r *Registry) Record(adv device.Advertisement, now time.Time) (Peripheral, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.scanning {
		return Peripheral{}, false
	}
	id := adv.Addr()
	if id == "" {
		return Peripheral{}, false
	}

	p, existing := r.entries.Get(id)
	if existing {
		p.update(adv, now)
		return p.Clone(), true
	}

	if !r.filter.Matches(adv) {
		return Peripheral{}, false
	}
	p = newPeripheral(adv, now)
	r.entries.Set(id, p)

	r.logger.WithFields(logrus.Fields{
		"device":  p.DisplayName(),
		"address": p.ID,
		"rssi":    p.RSSI,
	}).Info("Discovered new device")
	return p.Clone(), true
}

// Snapshot returns copies of all records in first-sighting order
func (r *Registry) Snapshot() []Peripheral {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peripheral, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Clone())
	}
	return out
}

// Get returns a copy of the record with the given identifier
func (r *Registry) Get(id string) (Peripheral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.entries.Get(id)
	if !ok {
		return Peripheral{}, false
	}
	return p.Clone(), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Len()
}

// EvictStale removes records last seen before now-maxAge and returns their
// identifiers in registry order
func (r *Registry) EvictStale(now time.Time, maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		if now.Sub(pair.Value.LastSeen) > maxAge {
			evicted = append(evicted, pair.Key)
		}
	}
	for _, id := range evicted {
		r.entries.Delete(id)
	}

	if len(evicted) > 0 {
		r.logger.WithFields(logrus.Fields{
			"evicted":   len(evicted),
			"remaining": r.entries.Len(),
		}).Debug("Evicted stale peripherals")
	}
	return evicted
}
