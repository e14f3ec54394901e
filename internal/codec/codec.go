// Package codec turns raw characteristic payloads into keyed records.
package codec

import (
	"encoding/hex"
)

// Decoder converts one payload received from characteristic into named values.
// Implementations must not retain data.
type Decoder interface {
	Decode(characteristic string, data []byte) (map[string]any, error)
}

// DecoderFunc adapts a function to Decoder
type DecoderFunc func(characteristic string, data []byte) (map[string]any, error)

func (f DecoderFunc) Decode(characteristic string, data []byte) (map[string]any, error) {
	return f(characteristic, data)
}

// Raw is the pass-through decoder
type Raw struct{}

func (Raw) Decode(characteristic string, data []byte) (map[string]any, error) {
	return map[string]any{
		"characteristic": characteristic,
		"length":         len(data),
		"hex":            hex.EncodeToString(data),
	}, nil
}
