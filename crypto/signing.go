package crypto

// SignatureSize returns the fixed Dilithium5 signature length, used by
// wire formats that pack a signature without a length prefix.
func SignatureSize() int { return signingMode.SignatureSize() }

// Sign produces a Dilithium5 signature over msg using kp's private key.
func Sign(kp *SigningKeyPair, msg []byte) []byte {
	return signingMode.Sign(kp.private, msg)
}

// Verify checks a Dilithium5 signature over msg against a raw public key.
// Malformed public keys are treated as verification failures rather than
// surfaced as a distinct error, matching the closed error taxonomy's
// BadSignature classification.
func Verify(publicKey []byte, msg, signature []byte) bool {
	pk, err := signingMode.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return false
	}
	return signingMode.Verify(pk, msg, signature)
}

// VerifyFingerprint checks both that signature verifies under publicKey
// and that publicKey actually hashes to the claimed fingerprint. This is
// the P2 invariant: any record whose signing pubkey does not hash to the
// claimed fingerprint must be rejected.
func VerifyFingerprint(publicKey []byte, fp Fingerprint, msg, signature []byte) bool {
	if ComputeFingerprint(publicKey) != fp {
		return false
	}
	return Verify(publicKey, msg, signature)
}
