package primitive

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// SHA256 hashes message and returns the base64-encoded digest, matching
// the primitive library's "utility" hashing capability.
func SHA256(message []byte) string {
	sum := sha256.Sum256(message)
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// VerifyEd25519 verifies a base64-encoded Ed25519 signature over
// message, given a base64-encoded public key.
func VerifyEd25519(base64Key string, message []byte, base64Signature string) (bool, error) {
	key, err := base64.RawStdEncoding.DecodeString(base64Key)
	if err != nil {
		// some callers pad, be lenient about encoding variants the
		// network may hand back.
		key, err = base64.StdEncoding.DecodeString(base64Key)
		if err != nil {
			return false, fmt.Errorf("primitive: decode public key: %w", err)
		}
	}

	if len(key) != ed25519.PublicKeySize {
		return false, fmt.Errorf("primitive: public key has invalid length %d", len(key))
	}

	sig, err := base64.RawStdEncoding.DecodeString(base64Signature)
	if err != nil {
		sig, err = base64.StdEncoding.DecodeString(base64Signature)
		if err != nil {
			return false, fmt.Errorf("primitive: decode signature: %w", err)
		}
	}

	return ed25519.Verify(ed25519.PublicKey(key), message, sig), nil
}
