// Package errs defines the typed error surface returned by the crypto
// engine, per the error handling table in the engine's specification.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownInboundSessionID is returned when no inbound group session
	// is known for the (sender key, session id) pair a ciphertext names.
	ErrUnknownInboundSessionID = errors.New("crypto: no inbound group session for sender/session id")

	// ErrMalformedPlaintext is returned when a decrypted Megolm payload is
	// not valid JSON, or is valid JSON missing required fields.
	ErrMalformedPlaintext = errors.New("crypto: decrypted plaintext is not valid JSON")

	// ErrSessionInit is returned when establishing a pairwise session
	// fails at the primitive layer.
	ErrSessionInit = errors.New("crypto: failed to establish pairwise session")

	// ErrEncryptionDisabled is returned when a peer has no usable
	// encryption algorithm configured.
	ErrEncryptionDisabled = errors.New("crypto: peer has encryption disabled")

	// ErrDeviceUnsigned is returned when a device record arrives without
	// a valid self-signature and is dropped.
	ErrDeviceUnsigned = errors.New("crypto: device record missing a valid self-signature")
)

// InboundSessionRoomMismatchError is returned when an inbound group
// session is looked up for a room other than the one it was bound to.
type InboundSessionRoomMismatchError struct {
	Expected string
	Got      string
}

func (e *InboundSessionRoomMismatchError) Error() string {
	return fmt.Sprintf("crypto: inbound session bound to room %q, got %q", e.Expected, e.Got)
}

// DuplicateMessageIndexError is returned when a timeline has already seen
// the given (sender key, session id, message index) triple.
type DuplicateMessageIndexError struct {
	MessageIndex uint32
}

func (e *DuplicateMessageIndexError) Error() string {
	return fmt.Sprintf("crypto: duplicate message index %d within timeline", e.MessageIndex)
}

// OlmDecryptionError wraps a primitive decryption failure.
type OlmDecryptionError struct {
	Err error
}

func (e *OlmDecryptionError) Error() string {
	return fmt.Sprintf("crypto: olm decryption failed: %s", e.Err)
}

func (e *OlmDecryptionError) Unwrap() error {
	return e.Err
}

// DeviceIdentityChangedError is returned when a known device id now
// advertises a different identity key than previously recorded.
type DeviceIdentityChangedError struct {
	DeviceID string
}

func (e *DeviceIdentityChangedError) Error() string {
	return fmt.Sprintf("crypto: device %q now advertises a different identity key", e.DeviceID)
}

// StoreError wraps a persistence failure from the CryptoStore.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("crypto: store %s failed: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
