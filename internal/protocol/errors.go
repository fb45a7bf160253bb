package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEnvelope    = errors.New("protocol: invalid envelope")
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	ErrMissingRequestID   = errors.New("protocol: missing requestId")
)

// ErrorCode values are stable on the wire.
type ErrorCode int

const (
	OK                       ErrorCode = 0
	OtherError               ErrorCode = 1
	BadRequest               ErrorCode = 2
	ConfigurationUnsupported ErrorCode = 3
	DeviceIneligible         ErrorCode = 4
	Timeout                  ErrorCode = 5
	IframeNotSupported       ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case OK:
		return "OK"
	case OtherError:
		return "OTHER_ERROR"
	case BadRequest:
		return "BAD_REQUEST"
	case ConfigurationUnsupported:
		return "CONFIGURATION_UNSUPPORTED"
	case DeviceIneligible:
		return "DEVICE_INELIGIBLE"
	case Timeout:
		return "TIMEOUT"
	case IframeNotSupported:
		return "IFRAME_NOT_SUPPORTED"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// ErrorRecord is the U2F error shape. Records synthesized locally never
// carry a requestId.
type ErrorRecord struct {
	Code    ErrorCode `json:"errorCode"`
	Message string    `json:"errorMessage,omitempty"`
}

func (e *ErrorRecord) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("u2f: %s", e.Code)
	}
	return fmt.Sprintf("u2f: %s: %s", e.Code, e.Message)
}

// Is matches any *ErrorRecord with the same code.
func (e *ErrorRecord) Is(target error) bool {
	var other *ErrorRecord
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func NewErrorRecord(code ErrorCode, message string) *ErrorRecord {
	return &ErrorRecord{Code: code, Message: message}
}

// AsErrorRecord unwraps err into an *ErrorRecord when one is present.
func AsErrorRecord(err error) (*ErrorRecord, bool) {
	var rec *ErrorRecord
	if errors.As(err, &rec) {
		return rec, true
	}
	return nil, false
}

// CodeOf maps any error to a wire code; unknown errors become OTHER_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	if rec, ok := AsErrorRecord(err); ok {
		return rec.Code
	}
	return OtherError
}
