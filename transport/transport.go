// Package transport defines the capability contract shared by the USB HID
// and NFC security-key transports.
package transport

import "fmt"

// Type identifies which link carries a connection.
type Type string

const (
	USB Type = "USB"
	NFC Type = "NFC"
)

// A Transport carries raw CTAP2 command bytes to a security key and returns
// the raw response bytes. A Transport owns exactly one hardware handle for
// its lifetime; handles are never shared between instances.
type Transport interface {
	// SendCommand sends a CTAP2 command and returns the device response.
	// It fails with *Error on I/O problems, malformed response framing, or
	// a channel or sequence mismatch. Failures are never retried
	// internally; the caller recovers by opening a fresh connection.
	SendCommand(cmd []byte) ([]byte, error)

	// Type reports the link type of this transport.
	Type() Type

	// DeviceName returns a human readable device identifier, if known.
	DeviceName() string

	// Connected reports whether the underlying handle is still usable.
	Connected() bool

	// Close releases the hardware handle. It is idempotent and never
	// fails.
	Close()
}

// Error is a transport level fault.
type Error struct {
	Transport Type
	Msg       string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s transport: %s: %v", e.Transport, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s transport: %s", e.Transport, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds an *Error with a formatted message.
func Errorf(t Type, format string, args ...interface{}) *Error {
	return &Error{Transport: t, Msg: fmt.Sprintf(format, args...)}
}
