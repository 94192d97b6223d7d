package primitive

import (
	"fmt"

	selfcrypto "github.com/joinself/self-crypto-go"
)

// OutboundGroupSession is a per-room sender-side Megolm ratchet. It is
// never pickled: the engine that owns it keeps it purely in memory, by
// design (see the design notes on implicit rotation).
type OutboundGroupSession struct {
	inner *selfcrypto.OutboundGroupSession
}

// NewOutboundGroupSession creates a fresh outbound group session.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	s, err := selfcrypto.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("primitive: create outbound group session: %w", err)
	}
	return &OutboundGroupSession{inner: s}, nil
}

// ID returns the session's opaque identifier.
func (s *OutboundGroupSession) ID() string {
	return s.inner.ID()
}

// Key returns the current ratchet export, suitable for sharing with
// recipients via a pairwise session.
func (s *OutboundGroupSession) Key() string {
	return s.inner.Key()
}

// MessageIndex returns the index of the next message this session will
// produce. Distinct calls observe a monotonically non-decreasing value.
func (s *OutboundGroupSession) MessageIndex() uint {
	return s.inner.MessageIndex()
}

// Encrypt advances the ratchet and returns the ciphertext for plaintext.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	ct, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("primitive: group encrypt: %w", err)
	}
	return ct, nil
}

// InboundGroupSession is a per-sender, per-room Megolm ratchet,
// reconstructed from an exported session key.
type InboundGroupSession struct {
	inner *selfcrypto.InboundGroupSession
}

// ImportInboundGroupSession imports a group session from an exported
// session key (as received in an m.room_key payload).
func ImportInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	s, err := selfcrypto.NewInboundGroupSessionFromKey(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("primitive: import inbound group session: %w", err)
	}
	return &InboundGroupSession{inner: s}, nil
}

// ID returns the session's opaque identifier, as reported by the
// primitive library itself (not the caller-supplied id).
func (s *InboundGroupSession) ID() string {
	return s.inner.ID()
}

// Decrypt returns the plaintext and message index for ciphertext.
func (s *InboundGroupSession) Decrypt(ciphertext []byte) ([]byte, uint32, error) {
	pt, idx, err := s.inner.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("primitive: group decrypt: %w", err)
	}
	return pt, idx, nil
}

// Export re-exports the session at the given message index, e.g. for
// key-backup flows.
func (s *InboundGroupSession) Export(messageIndex uint32) (string, error) {
	key, err := s.inner.Export(messageIndex)
	if err != nil {
		return "", fmt.Errorf("primitive: export inbound group session: %w", err)
	}
	return key, nil
}
