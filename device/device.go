// Package device implements OlmDevice: the in-memory engine owning a
// device's account and pairwise sessions, exposing every pairwise
// cryptographic operation a higher layer needs and enforcing the
// one-time-key consumption ordering invariant.
package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/olmvault/cryptoengine/canonicaljson"
	"github.com/olmvault/cryptoengine/errs"
	"github.com/olmvault/cryptoengine/keylock"
	"github.com/olmvault/cryptoengine/logging"
	"github.com/olmvault/cryptoengine/primitive"
	"github.com/olmvault/cryptoengine/store"
)

// Device is the per-device crypto engine. The account and its one-time
// key pool are guarded by mu, per the engine-wide-lock rule; each
// pairwise session is guarded independently via sessionLocks so that
// concurrent operations against different peers never serialise on the
// account lock.
type Device struct {
	mu      sync.Mutex
	account *primitive.Account

	store     *store.Store
	pickleKey string

	curve25519ID string
	ed25519FP    string

	sessionLocks *keylock.Registry
}

// New constructs the device engine. If the store holds no account yet,
// one is created from seed and persisted; otherwise the existing
// account is restored from its pickle. Either way, the identity keys
// are cached for cheap read-only access afterwards.
func New(st *store.Store, pickleKey, ownerID string, seed []byte) (*Device, error) {
	acc, err := loadOrCreateAccount(st, pickleKey, ownerID, seed)
	if err != nil {
		return nil, err
	}

	curve25519ID, ed25519FP, err := acc.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("device: read identity keys: %w", err)
	}

	return &Device{
		account:      acc,
		store:        st,
		pickleKey:    pickleKey,
		curve25519ID: curve25519ID,
		ed25519FP:    ed25519FP,
		sessionLocks: keylock.New(),
	}, nil
}

func loadOrCreateAccount(st *store.Store, pickleKey, ownerID string, seed []byte) (*primitive.Account, error) {
	pickle, err := st.LoadAccount()
	if err == nil {
		acc, err := primitive.AccountFromPickle(ownerID, pickleKey, pickle)
		if err != nil {
			return nil, fmt.Errorf("device: restore account: %w", err)
		}
		return acc, nil
	}
	if err != store.ErrNotFound {
		return nil, &errs.StoreError{Op: "load account", Err: err}
	}

	acc, err := primitive.NewAccount(ownerID, seed)
	if err != nil {
		return nil, fmt.Errorf("device: create account: %w", err)
	}

	if err := persistAccount(st, acc, pickleKey); err != nil {
		return nil, err
	}

	return acc, nil
}

func persistAccount(st *store.Store, acc *primitive.Account, pickleKey string) error {
	pickle, err := acc.Pickle(pickleKey)
	if err != nil {
		return fmt.Errorf("device: pickle account: %w", err)
	}
	if err := st.StoreAccount(pickle); err != nil {
		return &errs.StoreError{Op: "store account", Err: err}
	}
	return nil
}

// Curve25519ID returns the device's long-lived identity key.
func (d *Device) Curve25519ID() string { return d.curve25519ID }

// Ed25519FP returns the device's long-lived fingerprint signing key.
func (d *Device) Ed25519FP() string { return d.ed25519FP }

// SignBytes signs an arbitrary byte string with the account's
// fingerprint key.
func (d *Device) SignBytes(msg []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sig, err := d.account.Sign(msg)
	if err != nil {
		return "", fmt.Errorf("device: sign bytes: %w", err)
	}
	return sig, nil
}

// SignJSON signs the canonical JSON serialisation of v. Canonicalisation
// is the normative interop point: any deviation breaks interop with
// other clients.
func (d *Device) SignJSON(v interface{}) (string, error) {
	canonical, err := canonicaljson.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("device: canonicalise for signing: %w", err)
	}
	return d.SignBytes(canonical)
}

// VerifySignature verifies sig over the canonical JSON serialisation of
// v under the given base64-encoded Ed25519 key. It does not take the
// account lock: verification needs no mutable state.
func (d *Device) VerifySignature(ed25519Key string, v interface{}, sig string) (bool, error) {
	canonical, err := canonicaljson.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("device: canonicalise for verification: %w", err)
	}
	return primitive.VerifyEd25519(ed25519Key, canonical, sig)
}

// SHA256 hashes the UTF-8 bytes of msg.
func (d *Device) SHA256(msg []byte) string {
	return primitive.SHA256(msg)
}

// ListUnpublishedOneTimeKeys returns the one-time keys generated but not
// yet marked as published.
func (d *Device) ListUnpublishedOneTimeKeys() (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	otks, err := d.account.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("device: list one time keys: %w", err)
	}
	return otks, nil
}

// MaxOneTimeKeys reports the maximum number of one-time keys the
// primitive library will track for this account.
func (d *Device) MaxOneTimeKeys() uint {
	return d.account.MaxOneTimeKeys()
}

// GenerateOneTimeKeys asks the account to generate n new one-time keys
// and persists the mutation.
func (d *Device) GenerateOneTimeKeys(n uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.account.GenerateOneTimeKeys(n); err != nil {
		return fmt.Errorf("device: generate one time keys: %w", err)
	}
	return persistAccount(d.store, d.account, d.pickleKey)
}

// MarkOneTimeKeysPublished marks every unpublished one-time key as
// published and persists the mutation.
func (d *Device) MarkOneTimeKeysPublished() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.account.MarkOneTimeKeysAsPublished()
	return persistAccount(d.store, d.account, d.pickleKey)
}

// CreateOutbound establishes a new pairwise session to peerIDKey by
// consuming one of its published one-time keys, and persists it with
// is_recent_recipient=false.
func (d *Device) CreateOutbound(peerIDKey, peerOneTimeKey string) (sessionID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, err := primitive.CreateOutboundSession(d.account, peerIDKey, peerOneTimeKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrSessionInit, err)
	}

	pickle, err := sess.Pickle(d.pickleKey)
	if err != nil {
		return "", fmt.Errorf("device: pickle outbound session: %w", err)
	}

	if err := d.store.StorePairwise(peerIDKey, sess.ID(), pickle, false); err != nil {
		return "", &errs.StoreError{Op: "store outbound session", Err: err}
	}

	return sess.ID(), nil
}

// CreateInbound establishes a new pairwise session from a received
// pre-key (type 0) message, consuming and persisting the one-time key
// removal before the session itself is persisted, so that a crash
// between the two steps never republishes an already-consumed key.
func (d *Device) CreateInbound(peerIDKey, prekeyCiphertext string) (payload []byte, sessionID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, err := primitive.CreateInboundSession(d.account, peerIDKey, &primitive.Message{Type: 0, Body: prekeyCiphertext})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errs.ErrSessionInit, err)
	}

	if err := d.account.RemoveOneTimeKeys(sess); err != nil {
		return nil, "", fmt.Errorf("device: remove consumed one time keys: %w", err)
	}
	if err := persistAccount(d.store, d.account, d.pickleKey); err != nil {
		return nil, "", err
	}

	plaintext, err := sess.Decrypt(0, prekeyCiphertext)
	if err != nil {
		return nil, "", fmt.Errorf("device: decrypt prekey message: %w", err)
	}

	pickle, err := sess.Pickle(d.pickleKey)
	if err != nil {
		return nil, "", fmt.Errorf("device: pickle inbound session: %w", err)
	}
	if err := d.store.StorePairwise(peerIDKey, sess.ID(), pickle, true); err != nil {
		return nil, "", &errs.StoreError{Op: "store inbound session", Err: err}
	}

	return plaintext, sess.ID(), nil
}

// SessionIDs returns every known pairwise session id for peerIDKey.
func (d *Device) SessionIDs(peerIDKey string) ([]string, error) {
	sessions, err := d.store.GetPairwiseSessions(peerIDKey)
	if err != nil {
		return nil, &errs.StoreError{Op: "list pairwise sessions", Err: err}
	}

	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ChooseSession deterministically picks the lexicographically smallest
// session id among those known for peerIDKey, giving both peers a
// stable choice without coordination.
func (d *Device) ChooseSession(peerIDKey string) (sessionID string, ok bool, err error) {
	ids, err := d.SessionIDs(peerIDKey)
	if err != nil {
		return "", false, err
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

// Encrypt looks up the named pairwise session and, if found, advances
// its ratchet to produce a message, persisting the session afterwards.
// ok is false when the session is unknown.
func (d *Device) Encrypt(peerIDKey, sessionID string, plaintext []byte) (msg *primitive.Message, ok bool, err error) {
	unlock := d.sessionLocks.Lock(sessionLockKey(peerIDKey, sessionID))
	defer unlock()

	sess, found, err := d.loadSession(peerIDKey, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	msg, err = sess.Encrypt(plaintext)
	if err != nil {
		logging.Errorf("[cryptoengine.device]", "pairwise encrypt to %s/%s failed: %s", peerIDKey, sessionID, err)
		return nil, true, fmt.Errorf("device: encrypt: %w", err)
	}

	if err := d.persistSession(peerIDKey, sess, true); err != nil {
		return nil, true, err
	}

	return msg, true, nil
}

// Decrypt looks up the named pairwise session and, if found, advances
// its ratchet to recover plaintext, persisting the session afterwards
// with is_recent_recipient=true. ok is false when the session is
// unknown.
func (d *Device) Decrypt(peerIDKey, sessionID string, msgType int, ciphertext string) (plaintext []byte, ok bool, err error) {
	unlock := d.sessionLocks.Lock(sessionLockKey(peerIDKey, sessionID))
	defer unlock()

	sess, found, err := d.loadSession(peerIDKey, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	plaintext, err = sess.Decrypt(msgType, ciphertext)
	if err != nil {
		logging.Errorf("[cryptoengine.device]", "pairwise decrypt from %s/%s failed: %s", peerIDKey, sessionID, err)
		return nil, true, fmt.Errorf("device: decrypt: %w", err)
	}

	if err := d.persistSession(peerIDKey, sess, true); err != nil {
		return nil, true, err
	}

	return plaintext, true, nil
}

func (d *Device) loadSession(peerIDKey, sessionID string) (*primitive.Session, bool, error) {
	sessions, err := d.store.GetPairwiseSessions(peerIDKey)
	if err != nil {
		return nil, false, &errs.StoreError{Op: "get pairwise sessions", Err: err}
	}

	row, ok := sessions[sessionID]
	if !ok {
		return nil, false, nil
	}

	sess, err := primitive.SessionFromPickle(peerIDKey, d.pickleKey, row.Pickle)
	if err != nil {
		return nil, false, fmt.Errorf("device: restore session: %w", err)
	}

	return sess, true, nil
}

func (d *Device) persistSession(peerIDKey string, sess *primitive.Session, isRecentRecipient bool) error {
	pickle, err := sess.Pickle(d.pickleKey)
	if err != nil {
		return fmt.Errorf("device: pickle session: %w", err)
	}
	if err := d.store.StorePairwise(peerIDKey, sess.ID(), pickle, isRecentRecipient); err != nil {
		return &errs.StoreError{Op: "store session", Err: err}
	}
	return nil
}

func sessionLockKey(peerIDKey, sessionID string) string {
	return peerIDKey + "|" + sessionID
}
