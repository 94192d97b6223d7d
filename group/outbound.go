// Package group implements GroupSessionManager: the outbound (Megolm
// sender-ratchet) session cache and the inbound group session intake,
// lookup, and decryption pipeline, including replay defence and
// room-binding checks.
package group

import (
	"fmt"
	"sync"

	"github.com/olmvault/cryptoengine/primitive"
)

// OutboundManager caches one outbound Megolm session per id, purely in
// memory. Outbound group sessions are never persisted: the manager
// relies on this to force a re-share on rotation, by design, not by
// oversight, so it need not track which recipients have already
// received the current session key.
type OutboundManager struct {
	mu       sync.Mutex
	sessions map[string]*primitive.OutboundGroupSession
}

// NewOutboundManager creates an empty outbound session cache.
func NewOutboundManager() *OutboundManager {
	return &OutboundManager{sessions: make(map[string]*primitive.OutboundGroupSession)}
}

// CreateOutbound instantiates a fresh outbound group session and caches
// it by its own id.
func (m *OutboundManager) CreateOutbound() (sessionID string, err error) {
	sess, err := primitive.NewOutboundGroupSession()
	if err != nil {
		return "", fmt.Errorf("group: create outbound session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	return sess.ID(), nil
}

// SessionKey returns the current ratchet export for sid, suitable for
// sharing with recipients via a pairwise session.
func (m *OutboundManager) SessionKey(sid string) (key string, ok bool) {
	sess, ok := m.get(sid)
	if !ok {
		return "", false
	}
	return sess.Key(), true
}

// MessageIndex returns the index of the next message sid will produce.
func (m *OutboundManager) MessageIndex(sid string) (index uint, ok bool) {
	sess, ok := m.get(sid)
	if !ok {
		return 0, false
	}
	return sess.MessageIndex(), true
}

// EncryptGroup advances sid's ratchet and returns the ciphertext.
// Rotation policy is entirely external: this manager offers no implicit
// rotation, by whatever rule (membership change, message count, time) a
// higher layer chooses.
func (m *OutboundManager) EncryptGroup(sid string, plaintext []byte) (ciphertext []byte, ok bool, err error) {
	sess, ok := m.get(sid)
	if !ok {
		return nil, false, nil
	}

	ct, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, true, fmt.Errorf("group: encrypt: %w", err)
	}
	return ct, true, nil
}

// Discard drops sid from the cache, e.g. after rotation.
func (m *OutboundManager) Discard(sid string) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
}

func (m *OutboundManager) get(sid string) (*primitive.OutboundGroupSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sid]
	return sess, ok
}
