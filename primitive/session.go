package primitive

import (
	"fmt"

	selfcrypto "github.com/joinself/self-crypto-go"
)

// Message is a single pairwise-session ciphertext: a primitive message
// type (0 for a pre-key message, 1 for a normal message) plus its body.
type Message struct {
	Type int
	Body string
}

// Session is a single pairwise (Olm) double-ratchet channel to a named
// peer identity key.
type Session struct {
	inner *selfcrypto.Session
}

// CreateOutboundSession establishes a new pairwise session by consuming
// one of the peer's published one-time keys.
func CreateOutboundSession(account *Account, peerCurve25519, peerOneTimeKey string) (*Session, error) {
	s, err := selfcrypto.CreateOutboundSession(account.raw(), peerCurve25519, peerOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("primitive: create outbound session: %w", err)
	}
	return &Session{inner: s}, nil
}

// CreateInboundSession establishes a new pairwise session from a
// received pre-key message (type 0). The caller must remove the
// one-time key the session consumed from the account afterwards.
func CreateInboundSession(account *Account, peerCurve25519 string, prekey *Message) (*Session, error) {
	s, err := selfcrypto.CreateInboundSession(account.raw(), peerCurve25519, &selfcrypto.Message{
		Type: prekey.Type,
		Body: prekey.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("primitive: create inbound session: %w", err)
	}
	return &Session{inner: s}, nil
}

// SessionFromPickle restores a pairwise session from its persisted,
// encrypted pickle form.
func SessionFromPickle(peerCurve25519, pickleKey, pickle string) (*Session, error) {
	s, err := selfcrypto.SessionFromPickle(peerCurve25519, pickleKey, pickle)
	if err != nil {
		return nil, fmt.Errorf("primitive: restore session: %w", err)
	}
	return &Session{inner: s}, nil
}

// Pickle serializes the session, encrypted under pickleKey.
func (s *Session) Pickle(pickleKey string) (string, error) {
	p, err := s.inner.Pickle(pickleKey)
	if err != nil {
		return "", fmt.Errorf("primitive: pickle session: %w", err)
	}
	return p, nil
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string {
	return s.inner.ID()
}

// MatchesInboundSession reports whether this session is the one that
// would have produced the pre-key the given ciphertext claims to be.
// Used to deduplicate session setup when two pre-key messages race.
func (s *Session) MatchesInboundSession(prekeyCiphertext string) (bool, error) {
	ok, err := s.inner.MatchesInboundSession(&selfcrypto.Message{Type: 0, Body: prekeyCiphertext})
	if err != nil {
		return false, fmt.Errorf("primitive: matches inbound session: %w", err)
	}
	return ok, nil
}

// Encrypt advances the session's ratchet and returns the resulting
// message.
func (s *Session) Encrypt(plaintext []byte) (*Message, error) {
	m, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("primitive: encrypt: %w", err)
	}
	return &Message{Type: m.Type, Body: m.Body}, nil
}

// Decrypt advances the session's ratchet and returns the plaintext for
// the given message.
func (s *Session) Decrypt(msgType int, ciphertext string) ([]byte, error) {
	pt, err := s.inner.Decrypt(&selfcrypto.Message{Type: msgType, Body: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("primitive: decrypt: %w", err)
	}
	return pt, nil
}

// LastError returns the most recent error the underlying primitive
// session object recorded, if the library exposes one. Per the design
// notes, this value is never stored anywhere beyond the local variable
// at the call site that requested it — it is read once, logged or
// wrapped into a typed error, and discarded.
func (s *Session) LastError() error {
	return s.inner.LastError()
}
