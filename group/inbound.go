package group

import (
	"encoding/json"
	"fmt"

	"github.com/olmvault/cryptoengine/errs"
	"github.com/olmvault/cryptoengine/keylock"
	"github.com/olmvault/cryptoengine/logging"
	"github.com/olmvault/cryptoengine/primitive"
	"github.com/olmvault/cryptoengine/replay"
	"github.com/olmvault/cryptoengine/store"
)

// DecryptionResult is the outcome of DecryptGroup. Err is set instead of
// the call returning an error so that "fatal for this event only" cases
// (room mismatch, replay, malformed plaintext) are ordinary values the
// caller inspects, not exceptions that unwind the whole decrypt path.
type DecryptionResult struct {
	Plaintext   []byte
	KeysClaimed map[string]string
	KeysProved  map[string]string
	Err         error
}

// InboundManager owns intake, lookup, and decryption of inbound Megolm
// sessions. Sessions themselves live in the store; the manager borrows
// one per operation and writes it back.
type InboundManager struct {
	store  *store.Store
	locks  *keylock.Registry
	replay *replay.Index
}

// NewInboundManager constructs an inbound group session manager backed
// by st, using idx for replay defence.
func NewInboundManager(st *store.Store, idx *replay.Index) *InboundManager {
	return &InboundManager{
		store:  st,
		locks:  keylock.New(),
		replay: idx,
	}
}

func sessionKey(senderCurve25519, sessionID string) string {
	return senderCurve25519 + "|" + sessionID
}

// AddInbound installs a new inbound group session. If a session is
// already stored for (senderCurve25519, sessionID), the call is ignored
// and false is returned: this prevents a sender from retroactively
// resetting their ratchet index to replay old ciphertexts, since a late
// room_key event carrying the same session id at an advanced index must
// not overwrite the earlier state.
func (m *InboundManager) AddInbound(sessionID, sessionKeyExport, roomID, senderCurve25519 string, keysClaimed map[string]string) (bool, error) {
	unlock := m.locks.Lock(sessionKey(senderCurve25519, sessionID))
	defer unlock()

	has, err := m.store.HasInboundGroup(senderCurve25519, sessionID)
	if err != nil {
		return false, &errs.StoreError{Op: "check inbound group session", Err: err}
	}
	if has {
		return false, nil
	}

	sess, err := primitive.ImportInboundGroupSession(sessionKeyExport)
	if err != nil {
		return false, nil
	}
	if sess.ID() != sessionID {
		return false, nil
	}

	claimedJSON, err := json.Marshal(keysClaimed)
	if err != nil {
		return false, fmt.Errorf("group: marshal keys claimed: %w", err)
	}

	// Store the session key export exactly as received, not a re-export
	// from the freshly-imported session object: this is the anchor index
	// every future decrypt imports from, so a message at or after this
	// index can always be recovered regardless of the order in which
	// messages are delivered (back-pagination included).
	err = m.store.StoreInboundGroup(senderCurve25519, sessionID, store.InboundGroupSession{
		Pickle:      sessionKeyExport,
		RoomID:      roomID,
		KeysClaimed: string(claimedJSON),
	})
	if err != nil {
		return false, &errs.StoreError{Op: "store inbound group session", Err: err}
	}

	return true, nil
}

// RemoveInbound discards a stored inbound group session outright.
func (m *InboundManager) RemoveInbound(sessionID, senderCurve25519 string) error {
	unlock := m.locks.Lock(sessionKey(senderCurve25519, sessionID))
	defer unlock()

	if err := m.store.RemoveInboundGroup(senderCurve25519, sessionID); err != nil {
		return &errs.StoreError{Op: "remove inbound group session", Err: err}
	}
	return nil
}

// DecryptGroup decrypts ciphertext using the inbound session identified
// by (senderCurve25519, sessionID), enforcing the room-binding check and,
// when timelineID is non-empty, replay defence.
func (m *InboundManager) DecryptGroup(ciphertext []byte, roomID, timelineID, sessionID, senderCurve25519 string) *DecryptionResult {
	unlock := m.locks.Lock(sessionKey(senderCurve25519, sessionID))
	defer unlock()

	row, err := m.store.GetInboundGroup(senderCurve25519, sessionID)
	if err == store.ErrNotFound {
		return &DecryptionResult{Err: errs.ErrUnknownInboundSessionID}
	}
	if err != nil {
		return &DecryptionResult{Err: &errs.StoreError{Op: "get inbound group session", Err: err}}
	}

	if row.RoomID != roomID {
		return &DecryptionResult{Err: &errs.InboundSessionRoomMismatchError{Expected: row.RoomID, Got: roomID}}
	}

	sess, err := primitive.ImportInboundGroupSession(row.Pickle)
	if err != nil {
		return &DecryptionResult{Err: &errs.OlmDecryptionError{Err: err}}
	}

	plaintext, messageIndex, err := sess.Decrypt(ciphertext)
	if err != nil {
		logging.Errorf("[cryptoengine.group]", "group decryption failed for session %s from %s: %s", sessionID, senderCurve25519, err)
		return &DecryptionResult{Err: &errs.OlmDecryptionError{Err: err}}
	}

	if timelineID != "" {
		key := replay.Key(senderCurve25519, sessionID, messageIndex)
		if m.replay.CheckAndRecord(timelineID, key) {
			logging.Warnf("[cryptoengine.group]", "duplicate message index %d for session %s in timeline %s", messageIndex, sessionID, timelineID)
			return &DecryptionResult{Err: &errs.DuplicateMessageIndexError{MessageIndex: messageIndex}}
		}
	}

	// Persist the session unchanged rather than re-exporting from the
	// now-advanced in-memory ratchet: the stored anchor must remain able
	// to decrypt any index at or after the one it was installed with, so
	// that out-of-order delivery (back-pagination) keeps working. Only
	// the anchor import ever needs to be written; a given decrypt's
	// forward ratchet advancement is local to this call and discarded
	// with sess.
	if err := m.store.StoreInboundGroup(senderCurve25519, sessionID, row); err != nil {
		return &DecryptionResult{Err: &errs.StoreError{Op: "persist inbound group session", Err: err}}
	}

	var keysClaimed map[string]string
	_ = json.Unmarshal([]byte(row.KeysClaimed), &keysClaimed) // written by AddInbound, always valid JSON

	var parsed interface{}
	if err := json.Unmarshal(plaintext, &parsed); err != nil {
		return &DecryptionResult{Err: errs.ErrMalformedPlaintext}
	}

	return &DecryptionResult{
		Plaintext:   plaintext,
		KeysClaimed: keysClaimed,
		KeysProved:  map[string]string{"curve25519": senderCurve25519},
	}
}
