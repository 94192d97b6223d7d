// Package primitive is the thin contract over the underlying Olm/Megolm
// primitive library. It exposes exactly the capabilities the rest of the
// engine needs from an account, a pairwise session, an outbound group
// session, an inbound group session, and a signing/hashing utility, and
// nothing more: see the method sets below rather than the primitive
// library's full surface.
//
// The concrete implementation is backed by github.com/joinself/self-crypto-go,
// the same primitive library the teacher SDK uses for its own pairwise
// and group session handling in pkg/storage.
package primitive

import (
	"fmt"

	selfcrypto "github.com/joinself/self-crypto-go"
)

// Account owns the long-lived identity/fingerprint keypair and the pool
// of one-time keys for a single device.
type Account struct {
	inner *selfcrypto.Account
}

// NewAccount creates a brand new account seeded from a 32-byte Ed25519
// seed, so that the account's long-lived identity is derived from the
// same key material the caller uses to sign outside the primitive layer.
func NewAccount(ownerID string, seed []byte) (*Account, error) {
	acc, err := selfcrypto.AccountFromSeed(ownerID, seed)
	if err != nil {
		return nil, fmt.Errorf("primitive: create account: %w", err)
	}
	return &Account{inner: acc}, nil
}

// AccountFromPickle restores an account from its persisted, encrypted
// pickle form.
func AccountFromPickle(ownerID, pickleKey, pickle string) (*Account, error) {
	acc, err := selfcrypto.AccountFromPickle(ownerID, pickleKey, pickle)
	if err != nil {
		return nil, fmt.Errorf("primitive: restore account: %w", err)
	}
	return &Account{inner: acc}, nil
}

// Pickle serializes the account, encrypted under pickleKey, for
// persistence by the CryptoStore.
func (a *Account) Pickle(pickleKey string) (string, error) {
	p, err := a.inner.Pickle(pickleKey)
	if err != nil {
		return "", fmt.Errorf("primitive: pickle account: %w", err)
	}
	return p, nil
}

// IdentityKeys returns the account's long-lived Curve25519 identity key
// and Ed25519 fingerprint key, both base64-encoded.
func (a *Account) IdentityKeys() (curve25519, ed25519 string, err error) {
	keys, err := a.inner.IdentityKeys()
	if err != nil {
		return "", "", fmt.Errorf("primitive: identity keys: %w", err)
	}
	return keys.Curve25519, keys.Ed25519, nil
}

// Sign signs an arbitrary byte string with the account's Ed25519
// fingerprint key, returning a base64-encoded signature.
func (a *Account) Sign(message []byte) (string, error) {
	sig, err := a.inner.Sign(message)
	if err != nil {
		return "", fmt.Errorf("primitive: sign: %w", err)
	}
	return sig, nil
}

// MaxOneTimeKeys reports the maximum number of one-time keys the
// primitive library will track for this account.
func (a *Account) MaxOneTimeKeys() uint {
	return a.inner.MaxOneTimeKeys()
}

// OneTimeKeys returns the unpublished one-time keys currently held by
// the account, keyed by key id.
func (a *Account) OneTimeKeys() (map[string]string, error) {
	otks, err := a.inner.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("primitive: one time keys: %w", err)
	}
	return otks.Curve25519, nil
}

// GenerateOneTimeKeys asks the primitive library to generate n new
// one-time keys, adding them to the unpublished pool.
func (a *Account) GenerateOneTimeKeys(n uint) error {
	if err := a.inner.GenerateOneTimeKeys(n); err != nil {
		return fmt.Errorf("primitive: generate one time keys: %w", err)
	}
	return nil
}

// MarkOneTimeKeysAsPublished marks every currently-unpublished one-time
// key as published, so a later OneTimeKeys call no longer returns them.
func (a *Account) MarkOneTimeKeysAsPublished() {
	a.inner.MarkKeysAsPublished()
}

// RemoveOneTimeKeys removes the one-time key that the given pairwise
// session consumed during its establishment. Must be called, and the
// account persisted, before the session itself is persisted.
func (a *Account) RemoveOneTimeKeys(session *Session) error {
	if err := a.inner.RemoveOneTimeKeys(session.inner); err != nil {
		return fmt.Errorf("primitive: remove one time keys: %w", err)
	}
	return nil
}

func (a *Account) raw() *selfcrypto.Account {
	return a.inner
}
