// Package lua runs user supplied Lua scripts as payload decoders.
//
// A script defines a global function
//
//	function decode(characteristic, data)
//	    return { temperature = field(data, 1, "i16le") / 100 }
//	end
//
// where data is the raw payload as a Lua string. Returning nil plus a message
// rejects the payload. Output of print is captured and forwarded to the logger.
package lua

import (
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/codec"
)

const (
	decodeFunction = "decode"
	maxTableDepth  = 8
	outputSize     = 256

	// MaxInstructions bounds one call into the script, loading included
	MaxInstructions = 10_000_000
	limitMessage    = "instruction limit exceeded"
)

// Decoder implements codec.Decoder with a Lua script.
// Calls are serialized; a Lua state is not safe for concurrent use.
type Decoder struct {
	mu     sync.Mutex
	state  *lua.State
	name   string
	logger *logrus.Logger
	output *outputBuffer
}

var _ codec.Decoder = (*Decoder)(nil)

// NewDecoder compiles and runs script, which must define decode(characteristic, data).
// name identifies the script in errors and logs.
func NewDecoder(script, name string, logger *logrus.Logger) (*Decoder, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if strings.TrimSpace(script) == "" {
		return nil, &LuaError{Type: ErrTypeAPI, Message: "empty script", Source: name}
	}

	output, err := newOutputBuffer(outputSize)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		state:  lua.NewState(),
		name:   name,
		logger: logger,
		output: output,
	}
	d.state.OpenLibs()
	d.registerPrintCapture()
	d.registerHelpers()

	if err := d.load(script); err != nil {
		d.flushOutput()
		d.state.Close()
		return nil, err
	}
	d.flushOutput()

	logger.WithField("script", name).Info("Lua decoder loaded")
	return d, nil
}

// LoadDecoderFile reads a decoder script from filename
func LoadDecoderFile(filename string, logger *logrus.Logger) (*Decoder, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", filename, err)
	}
	return NewDecoder(string(content), filename, logger)
}

func (d *Decoder) load(script string) error {
	L := d.state
	defer L.SetTop(0)

	if status := L.LoadString(script); status != 0 {
		return parseLuaMessage(ErrTypeSyntax, d.name, L.ToString(-1))
	}
	d.armLimit()
	if err := L.Call(0, 0); err != nil {
		return d.runtimeError(err)
	}

	L.GetGlobal(decodeFunction)
	if !L.IsFunction(-1) {
		return &LuaError{
			Type:    ErrTypeAPI,
			Message: fmt.Sprintf("script must define function %s(characteristic, data)", decodeFunction),
			Source:  d.name,
		}
	}
	return nil
}

// armLimit restarts the instruction budget; the count hook raises a Lua error
// once MaxInstructions have run since the last call.
func (d *Decoder) armLimit() {
	d.state.SetHook(func(L *lua.State) {
		L.RaiseError(limitMessage)
	}, MaxInstructions)
}

func (d *Decoder) runtimeError(err error) *LuaError {
	luaErr := parseLuaMessage(ErrTypeRuntime, d.name, err.Error())
	if strings.Contains(err.Error(), limitMessage) {
		luaErr.Line = 0
		luaErr.Message = fmt.Sprintf("%s (%d)", limitMessage, MaxInstructions)
	}
	luaErr.Underlying = err
	return luaErr
}

// Decode runs the script's decode function
func (d *Decoder) Decode(characteristic string, data []byte) (map[string]any, error) {
	defer d.flushOutput()

	d.mu.Lock()
	defer d.mu.Unlock()

	L := d.state
	if L == nil {
		return nil, &LuaError{Type: ErrTypeAPI, Message: "decoder is closed", Source: d.name}
	}
	defer L.SetTop(0)

	L.GetGlobal(decodeFunction)
	L.PushString(characteristic)
	L.PushString(string(data))
	d.armLimit()
	if err := L.Call(2, 2); err != nil {
		return nil, d.runtimeError(err)
	}

	// stack: result, message
	if L.IsNil(1) {
		if L.Type(2) == lua.LUA_TSTRING {
			return nil, &LuaError{Type: ErrTypeRuntime, Message: L.ToString(2), Source: d.name}
		}
		return nil, &LuaError{Type: ErrTypeAPI, Message: "decode returned nil", Source: d.name}
	}
	if !L.IsTable(1) {
		return nil, &LuaError{
			Type:    ErrTypeAPI,
			Message: fmt.Sprintf("decode must return a table, got %s", typeName(L.Type(1))),
			Source:  d.name,
		}
	}

	v, err := toGo(L, 1, 0)
	if err != nil {
		return nil, &LuaError{Type: ErrTypeAPI, Message: err.Error(), Source: d.name}
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case []any:
		out := make(map[string]any, len(t))
		for i, item := range t {
			out[strconv.Itoa(i+1)] = item
		}
		return out, nil
	}
	return map[string]any{}, nil
}

// Output metrics for the captured print output
func (d *Decoder) OutputMetrics() OutputMetrics {
	return d.output.snapshot()
}

// Close releases the Lua state. Decode fails afterwards.
func (d *Decoder) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != nil {
		d.state.Close()
		d.state = nil
	}
}

func (d *Decoder) flushOutput() {
	for _, rec := range d.output.drain() {
		entry := d.logger.WithFields(logrus.Fields{
			"script": d.name,
			"source": rec.Source,
		})
		line := strings.TrimRight(rec.Content, "\n")
		if rec.Source == "stderr" {
			entry.Warn(line)
		} else {
			entry.Info(line)
		}
	}
}

func (d *Decoder) registerPrintCapture() {
	L := d.state
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)

		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, strconv.FormatBool(L.ToBoolean(i)))
			case L.Type(i) == lua.LUA_TNUMBER:
				parts = append(parts, formatNumber(L.ToNumber(i)))
			case L.Type(i) == lua.LUA_TSTRING:
				parts = append(parts, L.ToString(i))
			default:
				// tables, functions, userdata: defer to Lua tostring()
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}

		d.output.add(OutputRecord{
			Content:   strings.Join(parts, "\t") + "\n",
			Timestamp: time.Now(),
			Source:    "stdout",
		})
		return 0
	})
	L.SetGlobal("print")
}

// registerHelpers exposes binary helpers to scripts:
//
//	field(data, offset, type [, length]) -- offset is 0-based, type as in layouts
//	tohex(data)
func (d *Decoder) registerHelpers() {
	L := d.state

	L.PushGoFunction(func(L *lua.State) int {
		if L.Type(1) != lua.LUA_TSTRING || L.Type(2) != lua.LUA_TNUMBER || L.Type(3) != lua.LUA_TSTRING {
			L.PushNil()
			L.PushString("field(data, offset, type [, length]) expects a string, a number and a type name")
			return 2
		}
		f := codec.Field{
			Name:   "field",
			Offset: int(L.ToInteger(2)),
			Type:   codec.FieldType(L.ToString(3)),
		}
		if L.Type(4) == lua.LUA_TNUMBER {
			f.Length = int(L.ToInteger(4))
		}
		v, err := codec.ReadField(f, []byte(L.ToString(1)))
		if err != nil {
			L.PushNil()
			L.PushString(err.Error())
			return 2
		}
		switch t := v.(type) {
		case int64:
			L.PushNumber(float64(t))
		case float64:
			L.PushNumber(t)
		case string:
			L.PushString(t)
		default:
			L.PushNil()
		}
		return 1
	})
	L.SetGlobal("field")

	L.PushGoFunction(func(L *lua.State) int {
		L.PushString(hex.EncodeToString([]byte(L.ToString(1))))
		return 1
	})
	L.SetGlobal("tohex")
}

// toGo converts the Lua value at absolute index idx
func toGo(L *lua.State, idx int, depth int) (any, error) {
	switch t := L.Type(idx); t {
	case lua.LUA_TNIL:
		return nil, nil
	case lua.LUA_TBOOLEAN:
		return L.ToBoolean(idx), nil
	case lua.LUA_TNUMBER:
		return number(L.ToNumber(idx)), nil
	case lua.LUA_TSTRING:
		return L.ToString(idx), nil
	case lua.LUA_TTABLE:
		if depth >= maxTableDepth {
			return nil, fmt.Errorf("table nesting exceeds %d levels", maxTableDepth)
		}
		return tableToGo(L, idx, depth+1)
	default:
		return nil, fmt.Errorf("unsupported Lua value of type %s", typeName(t))
	}
}

// tableToGo returns []any for sequences 1..n and map[string]any otherwise
func tableToGo(L *lua.State, idx int, depth int) (any, error) {
	m := make(map[string]any)
	sequence := true

	L.PushNil()
	for L.Next(idx) != 0 {
		var key string
		switch kt := L.Type(-2); kt {
		case lua.LUA_TSTRING:
			key = L.ToString(-2)
			sequence = false
		case lua.LUA_TNUMBER:
			// no ToString on numeric keys, it would confuse Next
			n := L.ToNumber(-2)
			key = formatNumber(n)
			if n < 1 || n != math.Trunc(n) {
				sequence = false
			}
		default:
			L.Pop(2)
			return nil, fmt.Errorf("unsupported table key of type %s", typeName(kt))
		}

		v, err := toGo(L, L.GetTop(), depth)
		if err != nil {
			L.Pop(2)
			return nil, err
		}
		m[key] = v
		L.Pop(1) // keep key for the next iteration
	}

	if !sequence || len(m) == 0 {
		return m, nil
	}
	out := make([]any, len(m))
	for i := range out {
		v, ok := m[strconv.Itoa(i+1)]
		if !ok {
			return m, nil
		}
		out[i] = v
	}
	return out, nil
}

// number keeps integral values as int64
func number(n float64) any {
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return int64(n)
	}
	return n
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

func typeName(t lua.LuaValType) string {
	switch t {
	case lua.LUA_TNIL:
		return "nil"
	case lua.LUA_TBOOLEAN:
		return "boolean"
	case lua.LUA_TNUMBER:
		return "number"
	case lua.LUA_TSTRING:
		return "string"
	case lua.LUA_TTABLE:
		return "table"
	case lua.LUA_TFUNCTION:
		return "function"
	case lua.LUA_TUSERDATA, lua.LUA_TLIGHTUSERDATA:
		return "userdata"
	case lua.LUA_TTHREAD:
		return "thread"
	}
	return "unknown"
}
