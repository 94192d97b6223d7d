package directory

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/ed25519"
	jose "gopkg.in/square/go-jose.v2"
)

// ErrHistoryEntryUnsigned is returned when a PKI-delivered key-history
// entry is missing a valid JWS signature.
var ErrHistoryEntryUnsigned = errors.New("directory: history entry has no valid JWS signature")

// VerifyHistoryEntry parses a single JWS-wrapped entry from a PKI
// collaborator's key-history feed and verifies it against the ed25519
// key embedded in its own payload: a device's history entries are
// expected to be self-signed over their own claimed identity, the same
// way UpsertDevice verifies a directly-published record. Peeking at the
// unverified payload to learn which key to check against gains a forger
// nothing, since UpsertDevice re-derives trust independently via the
// embedded self-signature over canonical JSON and rejects any entry
// whose identity key disagrees with a device id already on record.
func VerifyHistoryEntry(entry []byte) (DeviceKeyRecord, error) {
	jws, err := jose.ParseSigned(string(entry))
	if err != nil {
		return DeviceKeyRecord{}, fmt.Errorf("%w: %v", ErrHistoryEntryUnsigned, err)
	}
	if len(jws.Signatures) == 0 {
		return DeviceKeyRecord{}, ErrHistoryEntryUnsigned
	}

	var claimed DeviceKeyRecord
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claimed); err != nil {
		return DeviceKeyRecord{}, fmt.Errorf("directory: decode history entry payload: %w", err)
	}

	pub, err := base64.RawStdEncoding.DecodeString(claimed.Ed25519())
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return DeviceKeyRecord{}, ErrHistoryEntryUnsigned
	}

	payload, err := jws.Verify(ed25519.PublicKey(pub))
	if err != nil {
		return DeviceKeyRecord{}, ErrHistoryEntryUnsigned
	}

	var record DeviceKeyRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return DeviceKeyRecord{}, fmt.Errorf("directory: decode verified history entry: %w", err)
	}

	return record, nil
}

// UpsertDeviceFromHistoryEntry verifies a JWS-wrapped key-history entry
// and, if it checks out, upserts the device record it carries.
func (d *Directory) UpsertDeviceFromHistoryEntry(entry []byte) (*Info, error) {
	record, err := VerifyHistoryEntry(entry)
	if err != nil {
		return nil, err
	}
	return d.UpsertDevice(record)
}

// SignForPKI wraps record in the JWS envelope a PKI collaborator expects
// when a device record is published or republished, signing the
// encoding/json serialisation of record (struct field order, not
// canonicaljson's sorted form) with sign. kid identifies the signing key in the
// JWS header, following the teacher's PrepareJWS convention of carrying
// the key id alongside an EdDSA signature rather than a bare signature
// blob. The header also carries a fresh "jti", the same request-identity
// convention the teacher attaches to every signed request it sends,
// letting the PKI collaborator de-duplicate retried publications.
func SignForPKI(record DeviceKeyRecord, kid string, sign func([]byte) (string, error)) ([]byte, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("directory: encode record for PKI: %w", err)
	}

	// jose.NewSigner needs the raw ed25519.PrivateKey, which a Device
	// never exposes (the key lives inside its opaque account pickle); the
	// flattened JWS serialization is assembled by hand instead, signing
	// the same ASCII(base64url(protected) || "." || base64url(payload))
	// input the standard requires so that jose.ParseSigned/Verify on the
	// way back in (VerifyHistoryEntry) checks out unmodified.
	protected, err := json.Marshal(map[string]interface{}{
		"alg": "EdDSA",
		"kid": kid,
		"jti": uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("directory: encode JWS header: %w", err)
	}

	protectedB64 := base64.RawURLEncoding.EncodeToString(protected)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	signingInput := protectedB64 + "." + payloadB64

	sig, err := sign([]byte(signingInput))
	if err != nil {
		return nil, fmt.Errorf("directory: sign record for PKI: %w", err)
	}

	rawSig, err := base64.RawStdEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("directory: decode signature for PKI envelope: %w", err)
	}

	envelope := struct {
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}{
		Protected: protectedB64,
		Payload:   payloadB64,
		Signature: base64.RawURLEncoding.EncodeToString(rawSig),
	}

	return json.Marshal(envelope)
}
