// Package errs defines the error kinds shared across the runtime: storage,
// device-not-found, invalid data, transport, protocol, timeout, security and
// validation failures. Each kind is a distinct type so callers can use
// errors.As to recover it, and every kind carries enough context to produce
// the stable-prefixed strings the host API surface returns to the UI.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which error category an error belongs to.
type Kind int

const (
	KindStorage Kind = iota
	KindDeviceNotFound
	KindInvalidData
	KindTransport
	KindProtocol
	KindTimeout
	KindSecurity
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindInvalidData:
		return "invalid_data"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindSecurity:
		return "security"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the common shape for every error kind in this package.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// Storage wraps a DB driver/IO/serialization/migration failure.
func Storage(msg string, cause error) *Error { return new_(KindStorage, msg, cause) }

// DeviceNotFound reports a device_id absent from the registry or the current
// USB enumeration.
func DeviceNotFound(deviceID string) *Error {
	return new_(KindDeviceNotFound, fmt.Sprintf("Device %s not found", deviceID), nil)
}

// InvalidData reports a JSON payload from the device or caller that failed
// to parse.
func InvalidData(msg string, cause error) *Error { return new_(KindInvalidData, msg, cause) }

// Transport wraps a USB write/read failure that is not a disconnection.
func Transport(msg string, cause error) *Error { return new_(KindTransport, msg, cause) }

// Disconnected reports that the transport observed the device vanish
// mid-I/O. Workers exit when this occurs.
func Disconnected(deviceID string) *Error {
	return new_(KindTransport, fmt.Sprintf("device %s disconnected during I/O", deviceID), nil)
}

// Protocol reports the device replying with a Failure message, or an
// unexpected message type arriving where a specific one was expected.
func Protocol(msg string) *Error { return new_(KindProtocol, msg, nil) }

// Timeout reports a bounded wait (read, feature fetch, readiness loop)
// exceeding its deadline.
func Timeout(msg string) *Error { return new_(KindTimeout, msg, nil) }

// Security reports that bootloader identity could not be proven. Always
// fatal for the calling operation; never downgrade this to a warning.
func Security(msg string) *Error {
	return new_(KindSecurity, "SECURITY ERROR: "+msg, nil)
}

// Validation reports a monotonic setup-step violation, unknown derivation
// path, or other invalid state transition requested by a caller.
func Validation(msg string) *Error { return new_(KindValidation, msg, nil) }

// Is reports whether err (or something it wraps) is of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
