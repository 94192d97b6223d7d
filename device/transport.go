package device

// ToDeviceTransport is the external collaborator contract for delivering
// a to-device event to a specific remote device. It is implemented by
// the caller's transport layer, never by this module; the engine only
// composes payloads and hands them to it, mirroring how the teacher's
// root client.go declares MessagingClient as a consumer-supplied
// interface rather than an SDK-internal implementation.
type ToDeviceTransport interface {
	EncryptAndSend(userID, deviceID, eventType string, plaintext []byte) error
}
