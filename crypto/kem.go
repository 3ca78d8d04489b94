package crypto

import "fmt"

// Encapsulate performs Kyber1024 encapsulation against a raw public key,
// returning the ciphertext to send to the holder of the matching private
// key and the shared secret derived locally.
func Encapsulate(publicKey []byte) (ciphertext, sharedSecret []byte, err error) {
	pk, err := kemScheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal kem public key: %w", err)
	}
	ct, ss, err := kemScheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("kyber encapsulate: %w", err)
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a Kyber1024 ciphertext using
// kp's private key.
func Decapsulate(kp *KEMKeyPair, ciphertext []byte) ([]byte, error) {
	ss, err := kemScheme.Decapsulate(kp.private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("kyber decapsulate: %w", err)
	}
	return ss, nil
}

// KEMCiphertextSize returns the fixed ciphertext length for Kyber1024.
func KEMCiphertextSize() int { return kemScheme.CiphertextSize() }

// KEMSharedSecretSize returns the fixed shared-secret length for Kyber1024.
func KEMSharedSecretSize() int { return kemScheme.SharedKeySize() }
