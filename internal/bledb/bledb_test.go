package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit short form", input: "180d", expected: "180d"},
		{name: "16-bit uppercase with 0x prefix", input: "0X180D", expected: "180d"},
		{name: "SIG base with dashes", input: "0000180d-0000-1000-8000-00805f9b34fb", expected: "180d"},
		{name: "SIG base without dashes", input: "0000180d00001000800000805f9b34fb", expected: "180d"},
		{name: "SIG base with braces", input: "{0000180D-0000-1000-8000-00805F9B34FB}", expected: "180d"},
		{name: "custom 128-bit stays long", input: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{name: "32-bit form", input: "0000fe59", expected: "0000fe59"},
		{name: "empty", input: "", expected: ""},
		{name: "bad length", input: "18d", expected: ""},
		{name: "non hex", input: "zz0d", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs_DropsInvalid(t *testing.T) {
	got := NormalizeUUIDs([]string{"180F", "nope", "6e400001-b5a3-f393-e0a9-e50e24dcca9e"})
	assert.Equal(t, []string{"180f", "6e400001b5a3f393e0a9e50e24dcca9e"}, got)
}

func TestLookups(t *testing.T) {
	assert.Equal(t, "Heart Rate", LookupService("0000180d-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "Nordic UART Service", LookupService("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"))
	assert.Equal(t, "", LookupService("ffff"))

	assert.Equal(t, "Battery Level", LookupCharacteristic("0x2a19"))
	assert.Equal(t, "Nordic UART TX", LookupCharacteristic("6e400003b5a3f393e0a9e50e24dcca9e"))

	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("00002902-0000-1000-8000-00805f9b34fb"))

	assert.Equal(t, "Nordic Semiconductor ASA", LookupVendor(0x0059))
	assert.Equal(t, "", LookupVendor(0xffff))
}
