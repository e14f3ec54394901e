package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID_Consistency(t *testing.T) {
	// All these should normalize to the same value
	for _, uuid := range []string{
		"2902",
		"0x2902",
		"0X2902",
		"00002902-0000-1000-8000-00805f9b34fb",
		"0000-2902-0000-1000-8000-00805f9b34fb",
	} {
		t.Run(uuid, func(t *testing.T) {
			assert.Equal(t, "2902", NormalizeUUID(uuid), "UUID %s MUST normalize to 2902", uuid)
		})
	}
}

func TestNormalizeUUID_NoShortening(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "wrong prefix", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},
		{name: "wrong suffix", input: "00002902-1234-5678-9abc-def012345678", expected: "00002902123456789abcdef012345678"},
		{name: "32-bit", input: "00002902", expected: "00002902"},
		{name: "too long", input: "0000290200001000800000805f9b34fb00", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "6e400001", ShortenUUID("6e400001b5a3f393e0a9e50e24dcca9e"))
	assert.Equal(t, "2902", ShortenUUID("2902"))
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("0x180D", "6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	require.NoError(t, err)
	assert.Equal(t, []string{"180d", "6e400002b5a3f393e0a9e50e24dcca9e"}, got)

	_, err = ValidateUUID()
	assert.Error(t, err)

	_, err = ValidateUUID("180d", "")
	assert.ErrorContains(t, err, "index 1 cannot be empty")

	_, err = ValidateUUID("not-a-uuid")
	assert.ErrorContains(t, err, "invalid UUID format at index 0")
}
