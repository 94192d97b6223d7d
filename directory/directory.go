// Package directory implements DeviceDirectory: the per-user list of
// known devices, their identity keys and self-signatures, and their
// local verification state.
package directory

import (
	"encoding/json"
	"fmt"

	"github.com/olmvault/cryptoengine/canonicaljson"
	"github.com/olmvault/cryptoengine/errs"
	"github.com/olmvault/cryptoengine/keylock"
	"github.com/olmvault/cryptoengine/primitive"
	"github.com/olmvault/cryptoengine/store"
)

// VerificationState is the local trust state of a device. It is caller-
// driven policy: the directory only records transitions, it never
// decides them, and verification state never changes cryptographic
// behavior of encryption.
type VerificationState string

const (
	StateUnknown    VerificationState = "unknown"
	StateUnverified VerificationState = "unverified"
	StateVerified   VerificationState = "verified"
	StateBlocked    VerificationState = "blocked"
)

// DeviceKeyRecord is the wire shape of a device's published identity, in
// the same shape Matrix's own /keys/upload device_keys object takes:
// algorithms, a keys map of "<algorithm>:<device_id>" to base64 key, and
// a signatures map of user id to "<algorithm>:<device_id>" to signature.
type DeviceKeyRecord struct {
	UserID        string                       `json:"user_id"`
	DeviceID      string                       `json:"device_id"`
	Algorithms    []string                     `json:"algorithms"`
	Keys          map[string]string            `json:"keys"`
	Signatures    map[string]map[string]string `json:"signatures"`
	EffectiveFrom int64                        `json:"effective_from,omitempty"`
}

func (r DeviceKeyRecord) Curve25519() string {
	return r.Keys["curve25519:"+r.DeviceID]
}

func (r DeviceKeyRecord) Ed25519() string {
	return r.Keys["ed25519:"+r.DeviceID]
}

func (r DeviceKeyRecord) selfSignature() (string, bool) {
	byUser, ok := r.Signatures[r.UserID]
	if !ok {
		return "", false
	}
	sig, ok := byUser["ed25519:"+r.DeviceID]
	return sig, ok
}

// Info is the directory's view of a device: its published record plus
// locally-tracked verification state.
type Info struct {
	Record       DeviceKeyRecord   `json:"record"`
	Verification VerificationState `json:"verification"`
	ClockSkewed  bool              `json:"clock_skewed,omitempty"`
}

// Directory is the per-user device list.
type Directory struct {
	store *store.Store
	locks *keylock.Registry
	clock *ClockSkewChecker
}

// New constructs a device directory backed by st. clock may be nil, in
// which case claimed timestamps are never checked against network time.
func New(st *store.Store, clock *ClockSkewChecker) *Directory {
	return &Directory{store: st, locks: keylock.New(), clock: clock}
}

// UpsertDevice installs or refreshes a device record. A record is
// rejected, with its error surfaced to the caller, when it lacks a
// valid self-signature over its own canonical JSON (signatures field
// excluded) by its advertised ed25519 key.
//
// Once a device id has been seen, its identity keys are immutable: a
// later upsert claiming a different curve25519 key for the same
// (user_id, device_id) is a protocol alarm, returned as
// DeviceIdentityChangedError, and the original record is retained
// untouched. An upsert repeating the same identity keys is a no-op that
// returns the existing record.
func (d *Directory) UpsertDevice(record DeviceKeyRecord) (*Info, error) {
	unlock := d.locks.Lock(record.UserID)
	defer unlock()

	if err := d.verifySelfSignature(record); err != nil {
		return nil, err
	}

	raw, err := d.store.GetDevice(record.UserID, record.DeviceID)
	if err != nil && err != store.ErrNotFound {
		return nil, &errs.StoreError{Op: "get device", Err: err}
	}

	if err == nil {
		var existing Info
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, fmt.Errorf("directory: decode existing device record: %w", err)
		}

		if existing.Record.Curve25519() != record.Curve25519() {
			return &existing, &errs.DeviceIdentityChangedError{DeviceID: record.DeviceID}
		}

		return &existing, nil
	}

	info := &Info{Record: record, Verification: StateUnknown}

	if d.clock != nil && record.EffectiveFrom != 0 {
		skewed, err := d.clock.IsSkewed(record.EffectiveFrom)
		if err == nil {
			info.ClockSkewed = skewed
		}
	}

	if err := d.persist(record.UserID, record.DeviceID, info); err != nil {
		return nil, err
	}

	return info, nil
}

func (d *Directory) verifySelfSignature(record DeviceKeyRecord) error {
	ed25519Key := record.Ed25519()
	if ed25519Key == "" {
		return errs.ErrDeviceUnsigned
	}

	sig, ok := record.selfSignature()
	if !ok {
		return errs.ErrDeviceUnsigned
	}

	canonical, err := canonicaljson.MarshalForSigning(record)
	if err != nil {
		return fmt.Errorf("directory: canonicalise device record: %w", err)
	}

	ok, err = primitive.VerifyEd25519(ed25519Key, canonical, sig)
	if err != nil || !ok {
		return errs.ErrDeviceUnsigned
	}

	return nil
}

func (d *Directory) persist(userID, deviceID string, info *Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("directory: encode device record: %w", err)
	}
	if err := d.store.PutDevice(userID, deviceID, raw); err != nil {
		return &errs.StoreError{Op: "put device", Err: err}
	}
	return nil
}

// GetDeviceByIdentityKey scans userID's known devices for one whose
// curve25519 identity key matches curve25519Key.
func (d *Directory) GetDeviceByIdentityKey(userID, curve25519Key string) (*Info, bool, error) {
	devices, err := d.ListUserDevices(userID)
	if err != nil {
		return nil, false, err
	}

	for _, info := range devices {
		if info.Record.Curve25519() == curve25519Key {
			return info, true, nil
		}
	}

	return nil, false, nil
}

// GetDevice returns the stored record for (userID, deviceID), if known.
func (d *Directory) GetDevice(userID, deviceID string) (*Info, bool, error) {
	raw, err := d.store.GetDevice(userID, deviceID)
	if err == store.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errs.StoreError{Op: "get device", Err: err}
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, false, fmt.Errorf("directory: decode device record: %w", err)
	}

	return &info, true, nil
}

// SetVerificationState records a new local verification state for an
// existing device. Verification state is the only mutable part of an
// otherwise-immutable device record.
func (d *Directory) SetVerificationState(userID, deviceID string, state VerificationState) error {
	unlock := d.locks.Lock(userID)
	defer unlock()

	raw, err := d.store.GetDevice(userID, deviceID)
	if err != nil {
		if err == store.ErrNotFound {
			return store.ErrNotFound
		}
		return &errs.StoreError{Op: "get device", Err: err}
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("directory: decode device record: %w", err)
	}

	info.Verification = state

	return d.persist(userID, deviceID, &info)
}

// ListUserDevices returns every known device for userID, keyed by
// device id.
func (d *Directory) ListUserDevices(userID string) (map[string]*Info, error) {
	raw, err := d.store.ListDevices(userID)
	if err != nil {
		return nil, &errs.StoreError{Op: "list devices", Err: err}
	}

	out := make(map[string]*Info, len(raw))
	for deviceID, data := range raw {
		var info Info
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("directory: decode device record for %s: %w", deviceID, err)
		}
		out[deviceID] = &info
	}

	return out, nil
}

// TrackingStatus returns userID's device-list tracking status:
// TrackingNotTracked if this directory has never been told to track
// them, otherwise whichever of TrackingOutdated/TrackingUpToDate was
// last recorded.
func (d *Directory) TrackingStatus(userID string) (store.TrackingStatus, error) {
	status, err := d.store.GetTrackingStatus(userID)
	if err != nil {
		return store.TrackingNotTracked, &errs.StoreError{Op: "get tracking status", Err: err}
	}
	return status, nil
}

// MarkTrackingOutdated flags userID's device list as needing a fresh
// query before it's trusted for encryption again, the same signal
// Matrix's own device-list tracking reacts to on a "changed" device-list
// notification for that user.
func (d *Directory) MarkTrackingOutdated(userID string) error {
	if err := d.store.SetTrackingStatus(userID, store.TrackingOutdated); err != nil {
		return &errs.StoreError{Op: "mark tracking outdated", Err: err}
	}
	return nil
}

// MarkTrackingUpToDate records that userID's device list was just
// queried in full, e.g. once a caller has finished processing every
// entry a full key-history sync returned.
func (d *Directory) MarkTrackingUpToDate(userID string) error {
	if err := d.store.SetTrackingStatus(userID, store.TrackingUpToDate); err != nil {
		return &errs.StoreError{Op: "mark tracking up to date", Err: err}
	}
	return nil
}
