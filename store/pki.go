package store

import "encoding/json"

// PKI is the external collaborator contract for fetching and publishing
// device key material against the federation's public key
// infrastructure. It is implemented by the caller's transport layer,
// never by this module — the engine only consumes it, mirroring how the
// teacher's root client.go declares PKIClient as an interface its
// Connectors struct is configured with, not one the SDK itself
// implements.
type PKI interface {
	GetHistory(userID string) ([]json.RawMessage, error)
	GetDeviceKey(userID, deviceID string) ([]byte, error)
	SetDeviceKeys(userID, deviceID string, pkb []byte) error
	ListDeviceKeys(userID, deviceID string) ([]byte, error)
}
