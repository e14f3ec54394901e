package device

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a session failure
type ErrorKind string

const (
	KindRadioUnavailable  ErrorKind = "radio_unavailable"
	KindAlreadyConnecting ErrorKind = "already_connecting"
	KindAlreadyConnected  ErrorKind = "already_connected"
	KindNotConnected      ErrorKind = "not_connected"
	KindConnectionFailed  ErrorKind = "connection_failed"
	KindPayloadTooLarge   ErrorKind = "payload_too_large"
	KindDecode            ErrorKind = "decode_error"
	KindConnectionLost    ErrorKind = "connection_lost"
	KindQueueFull         ErrorKind = "queue_full"
	KindWriteFailed       ErrorKind = "write_failed"
	KindUnknown           ErrorKind = "unknown"
)

// Error represents a classified failure.
// Two Errors match under errors.Is when their Kind is equal.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// NewError creates an Error of the given kind wrapping cause (may be nil)
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinels for errors.Is checks
var (
	ErrRadioUnavailable  = &Error{Kind: KindRadioUnavailable}
	ErrAlreadyConnecting = &Error{Kind: KindAlreadyConnecting}
	ErrAlreadyConnected  = &Error{Kind: KindAlreadyConnected}
	ErrNotConnected      = &Error{Kind: KindNotConnected}
	ErrConnectionFailed  = &Error{Kind: KindConnectionFailed}
	ErrPayloadTooLarge   = &Error{Kind: KindPayloadTooLarge}
	ErrDecode            = &Error{Kind: KindDecode}
	ErrConnectionLost    = &Error{Kind: KindConnectionLost}
	ErrQueueFull         = &Error{Kind: KindQueueFull}
	ErrWriteFailed       = &Error{Kind: KindWriteFailed}
)

// Non-classified sentinels
var (
	ErrTimeout     = errors.New("timeout")
	ErrUnsupported = errors.New("unsupported")
	ErrClosed      = errors.New("closed")
)

// FailureReason describes why a connection attempt did not succeed
type FailureReason string

const (
	ReasonTimeout     FailureReason = "timeout"
	ReasonLinkFailure FailureReason = "link_failure"
	ReasonRejected    FailureReason = "rejected"
	ReasonCancelled   FailureReason = "cancelled"
)

// ConnectionFailedError is the outcome of a failed connection attempt.
// It matches ErrConnectionFailed and any ConnectionFailedError with the same Reason.
type ConnectionFailedError struct {
	Address string
	Reason  FailureReason
	Err     error
}

func (e *ConnectionFailedError) Error() string {
	msg := fmt.Sprintf("%s (%s)", KindConnectionFailed, e.Reason)
	if e.Address != "" {
		msg += " " + e.Address
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

func (e *ConnectionFailedError) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Kind == KindConnectionFailed
	case *ConnectionFailedError:
		return t.Reason == e.Reason
	}
	return false
}

// Reason sentinels
var (
	ErrConnectTimeout   = &ConnectionFailedError{Reason: ReasonTimeout}
	ErrConnectRejected  = &ConnectionFailedError{Reason: ReasonRejected}
	ErrConnectCancelled = &ConnectionFailedError{Reason: ReasonCancelled}
	ErrLinkFailure      = &ConnectionFailedError{Reason: ReasonLinkFailure}
)

// PayloadTooLargeError is returned when a write exceeds the negotiated maximum payload
type PayloadTooLargeError struct {
	Size int
	Max  int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%s: %d bytes exceeds maximum of %d", KindPayloadTooLarge, e.Size, e.Max)
}

func (e *PayloadTooLargeError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindPayloadTooLarge
}

// KindOf returns the ErrorKind err belongs to, KindUnknown for unclassified errors
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var cf *ConnectionFailedError
	if errors.As(err, &cf) {
		return KindConnectionFailed
	}
	var ptl *PayloadTooLargeError
	if errors.As(err, &ptl) {
		return KindPayloadTooLarge
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
