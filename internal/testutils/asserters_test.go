package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		fails    bool
	}{
		{name: "equal", actual: `{"a":1}`, expected: `{"a":1}`},
		{name: "extra keys ignored by default", actual: `{"a":1,"b":2}`, expected: `{"a":1}`},
		{name: "extra keys reported", opts: []Option{WithIgnoreExtraKeys(false)}, actual: `{"a":1,"b":2}`, expected: `{"a":1}`, fails: true},
		{name: "value mismatch", actual: `{"a":1}`, expected: `{"a":2}`, fails: true},
		{name: "presence placeholder", actual: `{"ts":12345}`, expected: `{"ts":"<<PRESENCE>>"}`},
		{name: "presence requires key", actual: `{}`, expected: `{"ts":"<<PRESENCE>>"}`, fails: true},
		{name: "root arrays", actual: `[{"id":"A","rssi":-55},{"id":"B"}]`, expected: `[{"id":"A"},{"id":"B"}]`},
		{name: "array order matters", actual: `[{"id":"B"},{"id":"A"}]`, expected: `[{"id":"A"},{"id":"B"}]`, fails: true},
		{name: "ignored fields", opts: []Option{WithIgnoredFields("last_seen")}, actual: `{"id":"A","last_seen":"x"}`, expected: `{"id":"A","last_seen":"y"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			NewJSONAsserter(rt).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.fails {
				assert.Len(t, rt.errors, 1)
			} else {
				assert.Empty(t, rt.errors)
			}
		})
	}
}

func TestJSONAsserter_Defaults(t *testing.T) {
	opts := NewJSONAsserter(&recordingT{}).Options()
	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.AllowPresencePlaceholder)
}

func TestTextAsserter(t *testing.T) {
	rt := &recordingT{}
	NewTextAsserter(rt).Assert("a  \nb\n", "a\nb")
	assert.Empty(t, rt.errors, "trailing whitespace MUST be ignored by default")

	rt = &recordingT{}
	NewTextAsserter(rt).Assert("a\nc", "a\nb")
	if assert.Len(t, rt.errors, 1) {
		assert.Contains(t, rt.errors[0], "-b")
		assert.Contains(t, rt.errors[0], "+c")
	}

	rt = &recordingT{}
	NewTextAsserter(rt).WithOptions(WithIgnoreEmptyLines(true)).Assert("a\n\nb", "a\nb")
	assert.Empty(t, rt.errors)
}

func TestAdvertisementBuilder_FromJSON(t *testing.T) {
	adv := NewAdvertisementBuilder().FromJSON(`{
		"name": "Sensor %d",
		"address": "AA:BB",
		"rssi": -61,
		"services": ["180D"],
		"txPower": 4,
		"connectable": false
	}`, 7).Build()

	assert.Equal(t, "Sensor 7", adv.LocalName())
	assert.Equal(t, "AA:BB", adv.Addr())
	assert.Equal(t, -61, adv.RSSI())
	assert.Equal(t, []string{"180D"}, adv.Services())
	assert.Equal(t, 4, adv.TxPowerLevel())
	assert.False(t, adv.Connectable())
}
