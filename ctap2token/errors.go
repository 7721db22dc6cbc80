package ctap2token

import (
	"errors"
	"fmt"
)

// Sentinel errors for the CTAP2 statuses the signing flow reacts to.
// Anything else surfaces as *CTAPError.
var (
	ErrPINRequired   = errors.New("ctap2token: PIN required")
	ErrPINNotSet     = errors.New("ctap2token: no PIN is set on the authenticator")
	ErrPINLocked     = errors.New("ctap2token: PIN is locked, reset your security key")
	ErrCancelled     = errors.New("ctap2token: operation cancelled")
	ErrUserTimeout   = errors.New("ctap2token: timed out waiting for user action")
	ErrNoCredentials = errors.New("ctap2token: no matching credentials on the authenticator")
)

// PINInvalidError reports a rejected PIN, with the number of attempts
// remaining before the authenticator locks when known.
type PINInvalidError struct {
	// Retries is negative when the authenticator did not report a count.
	Retries int
}

func (e *PINInvalidError) Error() string {
	if e.Retries >= 0 {
		return fmt.Sprintf("ctap2token: invalid PIN, %d attempts remaining", e.Retries)
	}
	return "ctap2token: invalid PIN"
}

// CTAPError is a non-success CTAP2 status without a more specific mapping.
type CTAPError struct {
	Code byte
}

func (e *CTAPError) Error() string {
	if name, ok := ctap2Status[e.Code]; ok {
		return fmt.Sprintf("ctap2token: %s (0x%02x)", name, e.Code)
	}
	return fmt.Sprintf("ctap2token: unknown error 0x%02x", e.Code)
}

// CTAP2 error statuses from https://fidoalliance.org/specs/fido-v2.0-ps-20190130/fido-client-to-authenticator-protocol-v2.0-ps-20190130.html#error-responses
var ctap2Status = map[byte]string{
	0x01: "CTAP1_ERR_INVALID_COMMAND",
	0x02: "CTAP1_ERR_INVALID_PARAMETER",
	0x03: "CTAP1_ERR_INVALID_LENGTH",
	0x04: "CTAP1_ERR_INVALID_SEQ",
	0x05: "CTAP1_ERR_TIMEOUT",
	0x06: "CTAP1_ERR_CHANNEL_BUSY",
	0x0A: "CTAP1_ERR_LOCK_REQUIRED",
	0x0B: "CTAP1_ERR_INVALID_CHANNEL",
	0x11: "CTAP2_ERR_CBOR_UNEXPECTED_TYPE",
	0x12: "CTAP2_ERR_INVALID_CBOR",
	0x14: "CTAP2_ERR_MISSING_PARAMETER",
	0x15: "CTAP2_ERR_LIMIT_EXCEEDED",
	0x16: "CTAP2_ERR_UNSUPPORTED_EXTENSION",
	0x19: "CTAP2_ERR_CREDENTIAL_EXCLUDED",
	0x21: "CTAP2_ERR_PROCESSING",
	0x22: "CTAP2_ERR_INVALID_CREDENTIAL",
	0x23: "CTAP2_ERR_USER_ACTION_PENDING",
	0x24: "CTAP2_ERR_OPERATION_PENDING",
	0x25: "CTAP2_ERR_NO_OPERATIONS",
	0x26: "CTAP2_ERR_UNSUPPORTED_ALGORITHM",
	0x27: "CTAP2_ERR_OPERATION_DENIED",
	0x28: "CTAP2_ERR_KEY_STORE_FULL",
	0x2A: "CTAP2_ERR_NO_OPERATION_PENDING",
	0x2B: "CTAP2_ERR_UNSUPPORTED_OPTION",
	0x2C: "CTAP2_ERR_INVALID_OPTION",
	0x2D: "CTAP2_ERR_KEEPALIVE_CANCEL",
	0x2E: "CTAP2_ERR_NO_CREDENTIALS",
	0x2F: "CTAP2_ERR_USER_ACTION_TIMEOUT",
	0x30: "CTAP2_ERR_NOT_ALLOWED",
	0x31: "CTAP2_ERR_PIN_INVALID",
	0x32: "CTAP2_ERR_PIN_BLOCKED",
	0x33: "CTAP2_ERR_PIN_AUTH_INVALID",
	0x34: "CTAP2_ERR_PIN_AUTH_BLOCKED",
	0x35: "CTAP2_ERR_PIN_NOT_SET",
	0x36: "CTAP2_ERR_PIN_REQUIRED",
	0x37: "CTAP2_ERR_PIN_POLICY_VIOLATION",
	0x38: "CTAP2_ERR_PIN_TOKEN_EXPIRED",
	0x39: "CTAP2_ERR_REQUEST_TOO_LARGE",
	0x3A: "CTAP2_ERR_ACTION_TIMEOUT",
	0x3B: "CTAP2_ERR_UP_REQUIRED",
	0xDF: "CTAP2_ERR_SPEC_LAST",
	0xE0: "CTAP2_ERR_EXTENSION_FIRST",
	0xEF: "CTAP2_ERR_EXTENSION_LAST",
	0xF0: "CTAP2_ERR_VENDOR_FIRST",
	0xFF: "CTAP2_ERR_VENDOR_LAST",
}

const (
	statusPINInvalid      = 0x31
	statusPINBlocked      = 0x32
	statusPINAuthInvalid  = 0x33
	statusPINAuthBlocked  = 0x34
	statusPINNotSet       = 0x35
	statusPINRequired     = 0x36
	statusKeepaliveCancel = 0x2D
	statusNoCredentials   = 0x2E
	statusUserTimeout     = 0x2F
	statusActionTimeout   = 0x3A
)

// statusError maps a non-success status byte to a typed error.
func statusError(code byte) error {
	switch code {
	case statusPINInvalid, statusPINAuthInvalid:
		return &PINInvalidError{Retries: -1}
	case statusPINBlocked, statusPINAuthBlocked:
		return ErrPINLocked
	case statusPINNotSet:
		return ErrPINNotSet
	case statusPINRequired:
		return ErrPINRequired
	case statusKeepaliveCancel:
		return ErrCancelled
	case statusUserTimeout, statusActionTimeout:
		return ErrUserTimeout
	case statusNoCredentials:
		return ErrNoCredentials
	default:
		return &CTAPError{Code: code}
	}
}
