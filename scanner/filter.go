package scanner

import (
	"slices"
	"strings"

	"github.com/srg/blemgr/internal/device"
)

// Filter restricts which advertisers are admitted into the registry.
// It is applied at first sighting only.
type Filter struct {
	ServiceUUIDs []string `yaml:"services" json:"services,omitempty"`
	AllowList    []string `yaml:"allow" json:"allow,omitempty"`
	BlockList    []string `yaml:"block" json:"block,omitempty"`
}

// Matches applies the block, allow and service filters in that order
func (f *Filter) Matches(adv device.Advertisement) bool {
	addr := adv.Addr()
	sameAddr := func(a string) bool { return strings.EqualFold(a, addr) }

	if slices.ContainsFunc(f.BlockList, sameAddr) {
		return false
	}
	if len(f.AllowList) > 0 && !slices.ContainsFunc(f.AllowList, sameAddr) {
		return false
	}

	if len(f.ServiceUUIDs) > 0 {
		advertised := device.NormalizeUUIDs(adv.Services())
		for _, required := range device.NormalizeUUIDs(f.ServiceUUIDs) {
			if slices.Contains(advertised, required) {
				return true
			}
		}
		return false
	}

	return true
}
