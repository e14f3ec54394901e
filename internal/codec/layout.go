package codec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/srg/blemgr/internal/device"
	"gopkg.in/yaml.v3"
)

// FieldType names a binary encoding
type FieldType string

const (
	U8    FieldType = "u8"
	I8    FieldType = "i8"
	U16LE FieldType = "u16le"
	U16BE FieldType = "u16be"
	I16LE FieldType = "i16le"
	I16BE FieldType = "i16be"
	U32LE FieldType = "u32le"
	U32BE FieldType = "u32be"
	I32LE FieldType = "i32le"
	I32BE FieldType = "i32be"
	F32LE FieldType = "f32le"
	UTF8  FieldType = "utf8"
	Hex   FieldType = "hex"
)

// MaxValueLen is the largest attribute value a peripheral can send
const MaxValueLen = 512

var fixedSizes = map[FieldType]int{
	U8: 1, I8: 1,
	U16LE: 2, U16BE: 2, I16LE: 2, I16BE: 2,
	U32LE: 4, U32BE: 4, I32LE: 4, I32BE: 4, F32LE: 4,
}

// Field describes one value at a fixed offset
type Field struct {
	Name   string    `yaml:"name"`
	Offset int       `yaml:"offset"`
	Type   FieldType `yaml:"type"`
	// Length applies to utf8 and hex; 0 means until the end of the payload
	Length int `yaml:"length,omitempty"`
	// Scale multiplies numeric values when non-zero
	Scale float64 `yaml:"scale,omitempty"`
}

// Layout decodes payloads with a fixed binary field layout.
// Characteristics overrides Fields for the listed characteristics.
type Layout struct {
	Fields          []Field            `yaml:"fields"`
	Characteristics map[string][]Field `yaml:"characteristics"`
}

// ParseLayout parses and validates a YAML layout document
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	if err := l.Normalize(); err != nil {
		return nil, err
	}
	return &l, nil
}

// LoadLayout reads a YAML layout file
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout %s: %w", path, err)
	}
	return ParseLayout(data)
}

// Normalize validates the layout and normalizes its characteristic keys and field types
func (l *Layout) Normalize() error {
	if len(l.Fields) == 0 && len(l.Characteristics) == 0 {
		return fmt.Errorf("invalid layout: no fields defined")
	}
	if err := validateFields(l.Fields); err != nil {
		return err
	}
	chars := make(map[string][]Field, len(l.Characteristics))
	for uuid, fields := range l.Characteristics {
		n := device.NormalizeUUID(uuid)
		if n == "" {
			return fmt.Errorf("invalid layout: bad characteristic UUID %q", uuid)
		}
		if err := validateFields(fields); err != nil {
			return fmt.Errorf("characteristic %s: %w", uuid, err)
		}
		chars[n] = fields
	}
	l.Characteristics = chars
	return nil
}

func validateFields(fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for i := range fields {
		f := &fields[i]
		f.Type = FieldType(strings.ToLower(string(f.Type)))
		if f.Name == "" {
			return fmt.Errorf("invalid layout: field %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("invalid layout: duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if f.Offset < 0 || f.Length < 0 {
			return fmt.Errorf("invalid layout: field %q has negative offset or length", f.Name)
		}
		if f.Offset > MaxValueLen || f.Length > MaxValueLen || f.Offset+f.Length > MaxValueLen {
			return fmt.Errorf("invalid layout: field %q extends past %d bytes", f.Name, MaxValueLen)
		}
		if _, fixed := fixedSizes[f.Type]; !fixed && f.Type != UTF8 && f.Type != Hex {
			return fmt.Errorf("invalid layout: field %q has unknown type %q", f.Name, f.Type)
		}
	}
	return nil
}

func (l *Layout) fieldsFor(characteristic string) []Field {
	if fields, ok := l.Characteristics[device.NormalizeUUID(characteristic)]; ok {
		return fields
	}
	return l.Fields
}

func (l *Layout) Decode(characteristic string, data []byte) (map[string]any, error) {
	fields := l.fieldsFor(characteristic)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no layout for characteristic %s", characteristic)
	}

	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, err := decodeField(f, data)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

// ReadField decodes a single field from data, outside of any layout
func ReadField(f Field, data []byte) (any, error) {
	if f.Name == "" {
		f.Name = string(f.Type)
	}
	fields := []Field{f}
	if err := validateFields(fields); err != nil {
		return nil, err
	}
	return decodeField(fields[0], data)
}

func decodeField(f Field, data []byte) (any, error) {
	if size, fixed := fixedSizes[f.Type]; fixed {
		if f.Offset+size > len(data) {
			return nil, fmt.Errorf("field %q needs %d bytes at offset %d, payload has %d", f.Name, size, f.Offset, len(data))
		}
		return scale(f, readNumber(f.Type, data[f.Offset:f.Offset+size])), nil
	}

	if f.Offset > len(data) {
		return nil, fmt.Errorf("field %q offset %d beyond payload of %d bytes", f.Name, f.Offset, len(data))
	}
	end := len(data)
	if f.Length > 0 {
		end = f.Offset + f.Length
		if end > len(data) {
			return nil, fmt.Errorf("field %q needs %d bytes at offset %d, payload has %d", f.Name, f.Length, f.Offset, len(data))
		}
	}
	b := data[f.Offset:end]
	if f.Type == Hex {
		return hex.EncodeToString(b), nil
	}
	if !utf8.Valid(b) {
		return nil, fmt.Errorf("field %q is not valid UTF-8", f.Name)
	}
	return string(b), nil
}

func readNumber(t FieldType, b []byte) float64 {
	switch t {
	case U8:
		return float64(b[0])
	case I8:
		return float64(int8(b[0]))
	case U16LE:
		return float64(binary.LittleEndian.Uint16(b))
	case U16BE:
		return float64(binary.BigEndian.Uint16(b))
	case I16LE:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case I16BE:
		return float64(int16(binary.BigEndian.Uint16(b)))
	case U32LE:
		return float64(binary.LittleEndian.Uint32(b))
	case U32BE:
		return float64(binary.BigEndian.Uint32(b))
	case I32LE:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case I32BE:
		return float64(int32(binary.BigEndian.Uint32(b)))
	case F32LE:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

// scale applies Field.Scale; unscaled integer encodings stay int64
func scale(f Field, v float64) any {
	if f.Scale != 0 {
		return v * f.Scale
	}
	if f.Type == F32LE {
		return v
	}
	return int64(v)
}
