package cryptoengine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olmvault/cryptoengine/canonicaljson"
	"github.com/olmvault/cryptoengine/directory"
	"github.com/olmvault/cryptoengine/errs"
	"github.com/olmvault/cryptoengine/store"
)

func seedFor(label byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = label
	}
	return seed
}

// fakePKI serves a single pre-generated one-time key claim for a device,
// as a bootstrap transport would after querying a federation's
// /keys/claim endpoint.
type fakePKI struct {
	claims  map[string][]byte            // "userID/deviceID" -> claim JSON
	history map[string][]json.RawMessage // userID -> JWS-wrapped device records, in publish order
}

func newFakePKI() *fakePKI {
	return &fakePKI{claims: map[string][]byte{}, history: map[string][]json.RawMessage{}}
}

func (p *fakePKI) GetHistory(userID string) ([]json.RawMessage, error) {
	return p.history[userID], nil
}
func (p *fakePKI) GetDeviceKey(userID, deviceID string) ([]byte, error) {
	return nil, store.ErrNotFound
}
func (p *fakePKI) SetDeviceKeys(userID, deviceID string, pkb []byte) error {
	p.history[userID] = append(p.history[userID], json.RawMessage(pkb))
	return nil
}
func (p *fakePKI) ListDeviceKeys(userID, deviceID string) ([]byte, error) {
	claim, ok := p.claims[userID+"/"+deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return claim, nil
}

// fakeTransport records m.room_key deliveries instead of sending them
// over a wire.
type fakeTransport struct {
	sent []sentMessage
}

type sentMessage struct {
	userID, deviceID, eventType string
	plaintext                   []byte
}

func (t *fakeTransport) EncryptAndSend(userID, deviceID, eventType string, plaintext []byte) error {
	t.sent = append(t.sent, sentMessage{userID, deviceID, eventType, plaintext})
	return nil
}

// testPeer bundles an engine with the identity it will publish to a
// counterparty's directory.
type testPeer struct {
	userID, deviceID string
	engine           *Engine
}

func newTestPeer(t *testing.T, userID, deviceID string, label byte, pki store.PKI) *testPeer {
	t.Helper()
	st, err := store.New(&store.Config{StorageDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng, err := New(st, "pickle-key", userID, deviceID, seedFor(label), nil, pki)
	require.NoError(t, err)

	return &testPeer{userID: userID, deviceID: deviceID, engine: eng}
}

// signedRecord builds a self-signed DeviceKeyRecord for peer's own
// identity keys, as peer would publish it for a counterparty to ingest.
func signedRecord(t *testing.T, peer *testPeer) directory.DeviceKeyRecord {
	t.Helper()

	record := directory.DeviceKeyRecord{
		UserID:     peer.userID,
		DeviceID:   peer.deviceID,
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		Keys: map[string]string{
			"curve25519:" + peer.deviceID: peer.engine.Device.Curve25519ID(),
			"ed25519:" + peer.deviceID:    peer.engine.Device.Ed25519FP(),
		},
	}

	canonical, err := canonicaljson.MarshalForSigning(record)
	require.NoError(t, err)

	sig, err := peer.engine.Device.SignBytes(canonical)
	require.NoError(t, err)

	record.Signatures = map[string]map[string]string{
		peer.userID: {"ed25519:" + peer.deviceID: sig},
	}

	return record
}

// introduce makes each peer aware of the other's signed device record.
func introduce(t *testing.T, a, b *testPeer) {
	t.Helper()
	_, err := a.engine.Directory.UpsertDevice(signedRecord(t, b))
	require.NoError(t, err)
	_, err = b.engine.Directory.UpsertDevice(signedRecord(t, a))
	require.NoError(t, err)
}

func TestEncryptForDeviceBootstrapsSessionViaPKI(t *testing.T) {
	pki := newFakePKI()

	alice := newTestPeer(t, "@alice:example.org", "ALICEDEV", 1, pki)
	bob := newTestPeer(t, "@bob:example.org", "BOBDEV", 2, pki)
	introduce(t, alice, bob)

	require.NoError(t, bob.engine.Device.GenerateOneTimeKeys(1))
	otks, err := bob.engine.Device.ListUnpublishedOneTimeKeys()
	require.NoError(t, err)
	require.Len(t, otks, 1)

	var claimedKey string
	for _, key := range otks {
		claimedKey = key
	}
	claim, err := json.Marshal(struct {
		KeyID string `json:"key_id"`
		Key   string `json:"key"`
	}{KeyID: "signed_curve25519:AAAA", Key: claimedKey})
	require.NoError(t, err)
	pki.claims[bob.userID+"/"+bob.deviceID] = claim

	plaintext := []byte(`{"body":"hello bob"}`)
	event, err := alice.engine.EncryptForDevice(bob.userID, bob.deviceID, plaintext)
	require.NoError(t, err)
	assert.Equal(t, olmAlgorithm, event.Algorithm)
	assert.Equal(t, alice.engine.Device.Curve25519ID(), event.SenderKey)

	ct, ok := event.Ciphertext[bob.engine.Device.Curve25519ID()]
	require.True(t, ok)
	assert.Equal(t, 0, ct.Type) // first message to a device is always a prekey message

	recovered, _, err := bob.engine.Device.CreateInbound(alice.engine.Device.Curve25519ID(), ct.Body)
	require.NoError(t, err)
	assert.JSONEq(t, string(plaintext), string(recovered))
}

func TestEncryptForDeviceRejectsBlockedDevice(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.org", "ALICEDEV", 1, nil)
	bob := newTestPeer(t, "@bob:example.org", "BOBDEV", 2, nil)
	introduce(t, alice, bob)

	require.NoError(t, alice.engine.Directory.SetVerificationState(bob.userID, bob.deviceID, directory.StateBlocked))

	_, err := alice.engine.EncryptForDevice(bob.userID, bob.deviceID, []byte(`{}`))
	assert.ErrorIs(t, err, errs.ErrEncryptionDisabled)
}

func TestEncryptForDeviceWithoutPKIAndNoSessionIsDisabled(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.org", "ALICEDEV", 1, nil)
	bob := newTestPeer(t, "@bob:example.org", "BOBDEV", 2, nil)
	introduce(t, alice, bob)

	_, err := alice.engine.EncryptForDevice(bob.userID, bob.deviceID, []byte(`{}`))
	assert.ErrorIs(t, err, errs.ErrEncryptionDisabled)
}

// TestPublishIdentitySyncsThroughHistoryToAPeer exercises the PKI-backed
// identity publication path end to end: alice publishes her own signed
// identity, bob (sharing the same fake PKI backend) syncs her history
// and ends up with a verifiable directory entry for her.
func TestPublishIdentitySyncsThroughHistoryToAPeer(t *testing.T) {
	pki := newFakePKI()

	alice := newTestPeer(t, "@alice:example.org", "ALICEDEV", 1, pki)
	bob := newTestPeer(t, "@bob:example.org", "BOBDEV", 2, pki)

	require.NoError(t, alice.engine.PublishIdentity(alice.userID, alice.deviceID, []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"}))
	require.Len(t, pki.history[alice.userID], 1)

	require.NoError(t, bob.engine.SyncDeviceHistory(alice.userID))

	info, found, err := bob.engine.Directory.GetDevice(alice.userID, alice.deviceID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, alice.engine.Device.Curve25519ID(), info.Record.Curve25519())
	assert.Equal(t, directory.StateUnknown, info.Verification)
}

// TestDeviceListTrackingFollowsSyncAndOutdatedSignal exercises the
// tracking-metadata piece of CryptoStore: a user is untracked until a
// sync succeeds, a sync marks them up to date, and an out-of-band
// "devices changed" signal flips them back to outdated.
func TestDeviceListTrackingFollowsSyncAndOutdatedSignal(t *testing.T) {
	pki := newFakePKI()

	alice := newTestPeer(t, "@alice:example.org", "ALICEDEV", 1, pki)
	bob := newTestPeer(t, "@bob:example.org", "BOBDEV", 2, pki)

	status, err := bob.engine.DeviceListTrackingStatus(alice.userID)
	require.NoError(t, err)
	assert.Equal(t, store.TrackingNotTracked, status)

	require.NoError(t, alice.engine.PublishIdentity(alice.userID, alice.deviceID, []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"}))
	require.NoError(t, bob.engine.SyncDeviceHistory(alice.userID))

	status, err = bob.engine.DeviceListTrackingStatus(alice.userID)
	require.NoError(t, err)
	assert.Equal(t, store.TrackingUpToDate, status)

	require.NoError(t, bob.engine.MarkDeviceListOutdated(alice.userID))

	status, err = bob.engine.DeviceListTrackingStatus(alice.userID)
	require.NoError(t, err)
	assert.Equal(t, store.TrackingOutdated, status)
}

// TestRoomKeyShareAndDecryptRoundTrip exercises scenario S1: a room key
// shared through ShareGroupSession is received via HandleToDeviceEvent
// and the first room event decrypts with the correct keys_proved and
// keys_claimed.
func TestRoomKeyShareAndDecryptRoundTrip(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.org", "ALICEDEV", 1, nil)
	bob := newTestPeer(t, "@bob:example.org", "BOBDEV", 2, nil)
	introduce(t, alice, bob)

	const roomID = "!room:example.org"

	sessionID, err := alice.engine.Outbound.CreateOutbound()
	require.NoError(t, err)

	transport := &fakeTransport{}
	require.NoError(t, alice.engine.ShareGroupSession(transport, bob.userID, bob.deviceID, roomID, sessionID))
	require.Len(t, transport.sent, 1)
	assert.Equal(t, roomKeyType, transport.sent[0].eventType)

	toDevice, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Sender  string          `json:"sender"`
		Content json.RawMessage `json:"content"`
	}{Type: roomKeyType, Sender: alice.userID, Content: transport.sent[0].plaintext})
	require.NoError(t, err)

	require.NoError(t, bob.engine.HandleToDeviceEvent(toDevice))

	plaintext := []byte(`{"body":"hello room"}`)
	roomEvent, err := alice.engine.EncryptRoomEvent(sessionID, plaintext)
	require.NoError(t, err)

	var envelope struct {
		DeviceID string `json:"device_id"`
	}
	require.NoError(t, json.Unmarshal(roomEvent, &envelope))
	assert.Equal(t, alice.deviceID, envelope.DeviceID)

	result := bob.engine.DecryptRoomEvent(roomEvent, roomID, "timeline-1")
	require.NoError(t, result.Err)
	assert.JSONEq(t, string(plaintext), string(result.Plaintext))
	assert.Equal(t, alice.engine.Device.Curve25519ID(), result.KeysProved["curve25519"])
	assert.Equal(t, alice.engine.Device.Ed25519FP(), result.KeysClaimed["ed25519"])

	// S2: replaying the same event within the same timeline is rejected.
	dup := bob.engine.DecryptRoomEvent(roomEvent, roomID, "timeline-1")
	var dupErr *errs.DuplicateMessageIndexError
	assert.ErrorAs(t, dup.Err, &dupErr)

	// A null/empty timeline id bypasses replay tracking entirely.
	retry := bob.engine.DecryptRoomEvent(roomEvent, roomID, "")
	require.NoError(t, retry.Err)
}

func TestResetReplayAllowsReDecryptInRebuiltTimeline(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.org", "ALICEDEV", 1, nil)
	bob := newTestPeer(t, "@bob:example.org", "BOBDEV", 2, nil)
	introduce(t, alice, bob)

	const roomID = "!room:example.org"
	sessionID, err := alice.engine.Outbound.CreateOutbound()
	require.NoError(t, err)

	transport := &fakeTransport{}
	require.NoError(t, alice.engine.ShareGroupSession(transport, bob.userID, bob.deviceID, roomID, sessionID))

	toDevice, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}{Type: roomKeyType, Content: transport.sent[0].plaintext})
	require.NoError(t, err)
	require.NoError(t, bob.engine.HandleToDeviceEvent(toDevice))

	roomEvent, err := alice.engine.EncryptRoomEvent(sessionID, []byte(`{"body":"hi"}`))
	require.NoError(t, err)

	require.NoError(t, bob.engine.DecryptRoomEvent(roomEvent, roomID, "timeline-1").Err)

	dup := bob.engine.DecryptRoomEvent(roomEvent, roomID, "timeline-1")
	require.Error(t, dup.Err)

	bob.engine.ResetReplay("timeline-1")
	after := bob.engine.DecryptRoomEvent(roomEvent, roomID, "timeline-1")
	assert.NoError(t, after.Err)
}

// TestDecryptRoomEventUnknownSession checks a room event referencing a
// session never shared with this device surfaces UnknownInboundSessionID.
func TestDecryptRoomEventUnknownSession(t *testing.T) {
	bob := newTestPeer(t, "@bob:example.org", "BOBDEV", 2, nil)

	event := megolmEvent{
		Algorithm: megolmAlgorithm,
		SessionID: "nonexistent",
		SenderKey: "somekey",
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)

	result := bob.engine.DecryptRoomEvent(raw, "!room:example.org", "timeline-1")
	assert.ErrorIs(t, result.Err, errs.ErrUnknownInboundSessionID)
}

func shareAndUnwrap(t *testing.T, alice *testPeer, bobUserID, bobDeviceID, roomID, sessionID string) json.RawMessage {
	t.Helper()
	transport := &fakeTransport{}
	require.NoError(t, alice.engine.ShareGroupSession(transport, bobUserID, bobDeviceID, roomID, sessionID))
	require.Len(t, transport.sent, 1)

	toDevice, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}{Type: roomKeyType, Content: transport.sent[0].plaintext})
	require.NoError(t, err)
	return toDevice
}

// TestDeviceRotationRequiresFreshRoomKeyShare exercises scenario S3: Bob
// logs out and back in under a new device_id, so his new engine starts
// with no inbound sessions at all. Alice's original ciphertext, destined
// for the old device, cannot decrypt on the new one. Only after Alice
// rotates her outbound session and re-shares it with Bob's new device id
// does the new device start decrypting successfully.
func TestDeviceRotationRequiresFreshRoomKeyShare(t *testing.T) {
	alice := newTestPeer(t, "@alice:example.org", "ALICEDEV", 1, nil)
	bobOld := newTestPeer(t, "@bob:example.org", "BOBDEV1", 2, nil)
	introduce(t, alice, bobOld)

	const roomID = "!room:example.org"

	oldSessionID, err := alice.engine.Outbound.CreateOutbound()
	require.NoError(t, err)

	toDevice := shareAndUnwrap(t, alice, bobOld.userID, bobOld.deviceID, roomID, oldSessionID)
	require.NoError(t, bobOld.engine.HandleToDeviceEvent(toDevice))

	original, err := alice.engine.EncryptRoomEvent(oldSessionID, []byte(`{"body":"Hello I'm still Alice!"}`))
	require.NoError(t, err)
	require.NoError(t, bobOld.engine.DecryptRoomEvent(original, roomID, "timeline-1").Err)

	// Bob logs out and back in under a brand new device id: a fresh
	// engine, with no room key ever installed in it.
	bobNew := newTestPeer(t, "@bob:example.org", "BOBDEV2", 3, nil)
	introduce(t, alice, bobNew)

	// The old ciphertext, addressed to a session the new device never
	// received, fails with UnknownInboundSessionID.
	firstAttempt := bobNew.engine.DecryptRoomEvent(original, roomID, "timeline-1")
	assert.ErrorIs(t, firstAttempt.Err, errs.ErrUnknownInboundSessionID)

	// Alice rotates to a new outbound session and re-shares it with
	// Bob's new device specifically.
	newSessionID, err := alice.engine.Outbound.CreateOutbound()
	require.NoError(t, err)
	require.NotEqual(t, oldSessionID, newSessionID)

	rotatedToDevice := shareAndUnwrap(t, alice, bobNew.userID, bobNew.deviceID, roomID, newSessionID)
	require.NoError(t, bobNew.engine.HandleToDeviceEvent(rotatedToDevice))

	rotated, err := alice.engine.EncryptRoomEvent(newSessionID, []byte(`{"body":"Hello I'm still Alice!"}`))
	require.NoError(t, err)

	result := bobNew.engine.DecryptRoomEvent(rotated, roomID, "timeline-1")
	require.NoError(t, result.Err)
	assert.JSONEq(t, `{"body":"Hello I'm still Alice!"}`, string(result.Plaintext))
}
