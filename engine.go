// Package cryptoengine composes the PrimitiveAdapter, CryptoStore,
// OlmDevice, GroupSessionManager, and DeviceDirectory into the
// operations a transport and room layer actually call:
// HandleToDeviceEvent, EncryptForDevice, EncryptRoomEvent, and
// DecryptRoomEvent. This is the composition root; none of these four
// operations implement new cryptographic logic, they just sequence
// calls into the packages that do.
package cryptoengine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/olmvault/cryptoengine/canonicaljson"
	"github.com/olmvault/cryptoengine/device"
	"github.com/olmvault/cryptoengine/directory"
	"github.com/olmvault/cryptoengine/errs"
	"github.com/olmvault/cryptoengine/group"
	"github.com/olmvault/cryptoengine/replay"
	"github.com/olmvault/cryptoengine/store"
	"github.com/tidwall/gjson"
)

const (
	olmAlgorithm    = "m.olm.v1.curve25519-aes-sha2"
	megolmAlgorithm = "m.megolm.v1.aes-sha2"
	roomKeyType     = "m.room_key"
)

// Engine is the per-device crypto engine.
type Engine struct {
	Device    *device.Device
	Directory *directory.Directory
	Outbound  *group.OutboundManager
	Inbound   *group.InboundManager
	Replay    *replay.Index

	ownDeviceID string
	pki         store.PKI
}

// New composes a crypto engine over st. pki may be nil; when set, it is
// consulted by EncryptForDevice to bootstrap a pairwise session when no
// session to the target device exists yet. deviceID is this device's own
// local device id, stamped into every Megolm event this engine produces.
func New(st *store.Store, pickleKey, ownerID, deviceID string, seed []byte, clock *directory.ClockSkewChecker, pki store.PKI) (*Engine, error) {
	dev, err := device.New(st, pickleKey, ownerID, seed)
	if err != nil {
		return nil, err
	}

	idx := replay.New()

	return &Engine{
		Device:      dev,
		Directory:   directory.New(st, clock),
		Outbound:    group.NewOutboundManager(),
		Inbound:     group.NewInboundManager(st, idx),
		Replay:      idx,
		ownDeviceID: deviceID,
		pki:         pki,
	}, nil
}

type roomKeyContent struct {
	Algorithm   string            `json:"algorithm"`
	RoomID      string            `json:"room_id"`
	SessionID   string            `json:"session_id"`
	SessionKey  string            `json:"session_key"`
	SenderKey   string            `json:"sender_key"`
	KeysClaimed map[string]string `json:"keys"`
}

// OlmEvent is the wire envelope for a pairwise-encrypted to-device
// event, matching the "m.room.encrypted" Olm content shape: a
// per-recipient-curve25519-key map of ciphertext bodies, so the same
// envelope can be addressed to a specific device without leaking which
// one out of band.
type OlmEvent struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  string                   `json:"sender_key"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
}

// OlmCiphertext is a single recipient's entry in an OlmEvent.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// HandleToDeviceEvent processes a single already-decrypted to-device
// event (recovering the Olm pairwise ciphertext itself is the caller's
// job, via Device.Decrypt or Device.CreateInbound). Only m.room_key
// events are understood; any other type is ignored, since to-device
// event routing beyond room-key installation belongs to the
// transport/room layer, not the core engine. Fields are pulled straight
// out of the raw JSON with gjson rather than a full unmarshal into an
// intermediate struct, since only a handful of m.room_key's fields are
// ever needed here.
func (e *Engine) HandleToDeviceEvent(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: to-device event is not valid JSON", errs.ErrMalformedPlaintext)
	}

	event := gjson.ParseBytes(raw)
	if event.Get("type").String() != roomKeyType {
		return nil
	}

	content := event.Get("content")
	sessionID := content.Get("session_id").String()
	sessionKey := content.Get("session_key").String()
	if sessionID == "" || sessionKey == "" {
		return fmt.Errorf("%w: m.room_key event missing session_id or session_key", errs.ErrMalformedPlaintext)
	}

	var keysClaimed map[string]string
	if keys := content.Get("keys"); keys.IsObject() {
		keysClaimed = make(map[string]string)
		keys.ForEach(func(key, value gjson.Result) bool {
			keysClaimed[key.String()] = value.String()
			return true
		})
	}

	_, err := e.Inbound.AddInbound(sessionID, sessionKey, content.Get("room_id").String(), content.Get("sender_key").String(), keysClaimed)
	return err
}

// EncryptForDevice wraps plaintext for delivery to a single remote
// device over a pairwise session, establishing one first if needed. When
// no session exists and pki is configured, a fresh one-time key is
// fetched to bootstrap the session; otherwise EncryptionDisabled is
// returned. The result is the full Olm event envelope, addressed to the
// recipient's curve25519 identity key.
func (e *Engine) EncryptForDevice(userID, deviceID string, plaintext []byte) (*OlmEvent, error) {
	info, found, err := e.Directory.GetDevice(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s/%s is not a known device", errs.ErrEncryptionDisabled, userID, deviceID)
	}
	if info.Verification == directory.StateBlocked {
		return nil, fmt.Errorf("%w: %s/%s is blocked", errs.ErrEncryptionDisabled, userID, deviceID)
	}

	peerCurve25519 := info.Record.Curve25519()

	sessionID, ok, err := e.Device.ChooseSession(peerCurve25519)
	if err != nil {
		return nil, err
	}

	if !ok {
		sessionID, err = e.bootstrapSession(userID, deviceID, peerCurve25519)
		if err != nil {
			return nil, err
		}
	}

	msg, found, err := e.Device.Encrypt(peerCurve25519, sessionID, plaintext)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.ErrSessionInit
	}

	return &OlmEvent{
		Algorithm: olmAlgorithm,
		SenderKey: e.Device.Curve25519ID(),
		Ciphertext: map[string]OlmCiphertext{
			peerCurve25519: {Type: msg.Type, Body: msg.Body},
		},
	}, nil
}

// PublishIdentity builds this device's own self-signed key record and
// publishes it to the PKI collaborator, wrapped in the JWS envelope
// SyncDeviceHistory's verification expects on the way back in.
func (e *Engine) PublishIdentity(userID, deviceID string, algorithms []string) error {
	if e.pki == nil {
		return fmt.Errorf("%w: no PKI collaborator configured", errs.ErrEncryptionDisabled)
	}

	record := directory.DeviceKeyRecord{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: algorithms,
		Keys: map[string]string{
			"curve25519:" + deviceID: e.Device.Curve25519ID(),
			"ed25519:" + deviceID:    e.Device.Ed25519FP(),
		},
	}

	canonical, err := canonicaljson.MarshalForSigning(record)
	if err != nil {
		return fmt.Errorf("cryptoengine: canonicalise identity record: %w", err)
	}
	sig, err := e.Device.SignBytes(canonical)
	if err != nil {
		return err
	}
	record.Signatures = map[string]map[string]string{userID: {"ed25519:" + deviceID: sig}}

	envelope, err := directory.SignForPKI(record, "ed25519:"+deviceID, e.Device.SignBytes)
	if err != nil {
		return err
	}

	return e.pki.SetDeviceKeys(userID, deviceID, envelope)
}

// SyncDeviceHistory fetches userID's key-history feed from the PKI
// collaborator and ingests each JWS-wrapped entry into the directory.
// A later entry whose identity keys contradict an already-known device
// id is a protocol alarm, not a fatal sync error: UpsertDevice returns
// DeviceIdentityChanged and keeps the original record, and the sync
// skips that entry and continues with the next one. On success userID's device-list tracking status is marked
// up to date, the same bookkeeping Matrix's own device-list tracking
// does once a full /keys/query round trip for a user completes.
func (e *Engine) SyncDeviceHistory(userID string) error {
	if e.pki == nil {
		return fmt.Errorf("%w: no PKI collaborator configured", errs.ErrEncryptionDisabled)
	}

	entries, err := e.pki.GetHistory(userID)
	if err != nil {
		return fmt.Errorf("cryptoengine: fetch device history: %w", err)
	}

	for _, entry := range entries {
		if _, err := e.Directory.UpsertDeviceFromHistoryEntry(entry); err != nil {
			var changed *errs.DeviceIdentityChangedError
			if errors.As(err, &changed) {
				continue
			}
			return err
		}
	}

	return e.Directory.MarkTrackingUpToDate(userID)
}

// MarkDeviceListOutdated flags userID's device list as stale, so a
// caller that learns out of band that a user's devices changed (e.g. a
// federation "changed" notification on a /sync response) can signal
// that the next encrypt to that user should re-run SyncDeviceHistory
// first. The engine itself never decides when to re-sync; it only
// records the flag a transport layer acts on.
func (e *Engine) MarkDeviceListOutdated(userID string) error {
	return e.Directory.MarkTrackingOutdated(userID)
}

// DeviceListTrackingStatus reports whether userID's device list is
// considered fresh enough to trust for encryption without a re-sync.
func (e *Engine) DeviceListTrackingStatus(userID string) (store.TrackingStatus, error) {
	return e.Directory.TrackingStatus(userID)
}

func (e *Engine) bootstrapSession(userID, deviceID, peerCurve25519 string) (string, error) {
	if e.pki == nil {
		return "", fmt.Errorf("%w: no session to %s/%s and no PKI collaborator configured", errs.ErrEncryptionDisabled, userID, deviceID)
	}

	raw, err := e.pki.ListDeviceKeys(userID, deviceID)
	if err != nil {
		return "", fmt.Errorf("%w: fetch one time key: %v", errs.ErrSessionInit, err)
	}

	var claim struct {
		KeyID string `json:"key_id"`
		Key   string `json:"key"`
	}
	if err := json.Unmarshal(raw, &claim); err != nil {
		return "", fmt.Errorf("%w: decode one time key claim: %v", errs.ErrSessionInit, err)
	}

	return e.Device.CreateOutbound(peerCurve25519, claim.Key)
}

// megolmEvent is the envelope EncryptRoomEvent produces and
// DecryptRoomEvent consumes.
type megolmEvent struct {
	Algorithm  string `json:"algorithm"`
	Ciphertext string `json:"ciphertext"`
	SenderKey  string `json:"sender_key"`
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id"`
}

// EncryptRoomEvent encrypts plaintextJSON with the given outbound group
// session, producing the wire-compatible Megolm event envelope. It takes
// no room id: the engine does not track which outbound session belongs
// to which room, so the caller passes the session id directly.
func (e *Engine) EncryptRoomEvent(outboundSessionID string, plaintextJSON []byte) ([]byte, error) {
	ciphertext, ok, err := e.Outbound.EncryptGroup(outboundSessionID, plaintextJSON)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown outbound session %s", errs.ErrSessionInit, outboundSessionID)
	}

	event := megolmEvent{
		Algorithm:  megolmAlgorithm,
		Ciphertext: string(ciphertext),
		SenderKey:  e.Device.Curve25519ID(),
		DeviceID:   e.ownDeviceID,
		SessionID:  outboundSessionID,
	}

	return json.Marshal(event)
}

// DecryptRoomEvent decrypts a Megolm room event envelope delivered in
// roomID. timelineID may be empty to bypass replay tracking (e.g. when
// re-decrypting a previously-seen timeline after a reset, or scanning
// history out-of-band of any live timeline).
func (e *Engine) DecryptRoomEvent(raw []byte, roomID, timelineID string) *group.DecryptionResult {
	var event megolmEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return &group.DecryptionResult{Err: fmt.Errorf("%w: %v", errs.ErrMalformedPlaintext, err)}
	}

	return e.Inbound.DecryptGroup([]byte(event.Ciphertext), roomID, timelineID, event.SessionID, event.SenderKey)
}

// ResetReplay drops replay tracking for a timeline, e.g. after a
// jump-to-message rebuilds it, permitting legitimate re-decryption.
func (e *Engine) ResetReplay(timelineID string) {
	e.Replay.Reset(timelineID)
}

// ShareGroupSession packages the current export of an outbound group
// session as an m.room_key payload and hands it to transport for
// delivery to a single device. The engine never dials a transport
// itself; it only composes the payload transport needs.
func (e *Engine) ShareGroupSession(transport device.ToDeviceTransport, userID, deviceID, roomID, outboundSessionID string) error {
	key, ok := e.Outbound.SessionKey(outboundSessionID)
	if !ok {
		return fmt.Errorf("%w: unknown outbound session %s", errs.ErrSessionInit, outboundSessionID)
	}

	payload, err := json.Marshal(roomKeyContent{
		Algorithm:   megolmAlgorithm,
		RoomID:      roomID,
		SessionID:   outboundSessionID,
		SessionKey:  key,
		SenderKey:   e.Device.Curve25519ID(),
		KeysClaimed: map[string]string{"ed25519": e.Device.Ed25519FP()},
	})
	if err != nil {
		return fmt.Errorf("cryptoengine: encode room key payload: %w", err)
	}

	return transport.EncryptAndSend(userID, deviceID, roomKeyType, payload)
}
