package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsComparesKind(t *testing.T) {
	err := NewError(KindNotConnected, "write rejected", nil)

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, "not_connected: write rejected", err.Error())

	wrapped := fmt.Errorf("%w: %v", ErrRadioUnavailable, errors.New("bluetooth is turned off"))
	assert.ErrorIs(t, wrapped, ErrRadioUnavailable)
	assert.Equal(t, KindRadioUnavailable, KindOf(wrapped))
}

func TestError_Formatting(t *testing.T) {
	cause := errors.New("boom")
	assert.Equal(t, "queue_full", ErrQueueFull.Error())
	assert.Equal(t, "decode_error: boom", NewError(KindDecode, "", cause).Error())
	assert.Equal(t, "decode_error: short payload: boom", NewError(KindDecode, "short payload", cause).Error())
	assert.ErrorIs(t, NewError(KindDecode, "", cause), cause)
}

func TestConnectionFailedError_Matching(t *testing.T) {
	err := &ConnectionFailedError{Address: "AA:BB", Reason: ReasonTimeout}

	assert.ErrorIs(t, err, ErrConnectionFailed, "MUST match the generic connection failed sentinel")
	assert.ErrorIs(t, err, ErrConnectTimeout, "MUST match the reason sentinel")
	assert.NotErrorIs(t, err, ErrConnectCancelled)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, KindConnectionFailed, KindOf(err))
	assert.Equal(t, "connection_failed (timeout) AA:BB", err.Error())

	var cf *ConnectionFailedError
	assert.True(t, errors.As(fmt.Errorf("connect: %w", err), &cf))
	assert.Equal(t, ReasonTimeout, cf.Reason)
}

func TestPayloadTooLargeError(t *testing.T) {
	err := &PayloadTooLargeError{Size: 30, Max: 20}

	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.True(t, IsKind(err, KindPayloadTooLarge))
	assert.Equal(t, "payload_too_large: 30 bytes exceeds maximum of 20", err.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindConnectionLost, KindOf(ErrConnectionLost))
}

func TestRadioState(t *testing.T) {
	assert.True(t, RadioPoweredOn.Available())
	assert.False(t, RadioPoweredOff.Available())
	assert.Equal(t, "powered_off", RadioPoweredOff.String())
	assert.Equal(t, "unknown", RadioState(42).String())
}
