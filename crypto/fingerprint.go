package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// FingerprintSize is the length in bytes of a fingerprint (SHA3-512 digest).
const FingerprintSize = 64

// Fingerprint is the 128-hex-character lower-case stable identity of a
// Dilithium5 signing public key: hex(SHA3-512(signing_pubkey)).
//
// The fingerprint is a pure projection of the public key, computed by
// ComputeFingerprint. A Fingerprint value held elsewhere (for example
// Identity.Fingerprint) is a plain copy and is not re-checked against the
// key; VerifyFingerprint performs that check.
type Fingerprint string

// ComputeFingerprint derives the fingerprint for a signing public key.
func ComputeFingerprint(signingPublicKey []byte) Fingerprint {
	digest := sha3.Sum512(signingPublicKey)
	return Fingerprint(hex.EncodeToString(digest[:]))
}

// Valid reports whether fp has the shape of a fingerprint (128 lower-case
// hex characters). It does not verify that any key produces it.
func (fp Fingerprint) Valid() bool {
	if len(fp) != FingerprintSize*2 {
		return false
	}
	for _, r := range fp {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// String returns the fingerprint as a plain string.
func (fp Fingerprint) String() string {
	return string(fp)
}
