package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// AEADNonceSize is the nonce length used for all AES-256-GCM framing in
// this module (DM envelopes, IKP wrapping, group messages).
const AEADNonceSize = 12

// ErrDecryptFailed covers any GCM authentication failure: wrong key,
// corrupted ciphertext, or mismatched associated data.
var ErrDecryptFailed = errors.New("aead: decryption failed")

// GenerateAEADNonce returns a fresh random 12-byte GCM nonce.
func GenerateAEADNonce() ([AEADNonceSize]byte, error) {
	var nonce [AEADNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// SealAESGCM encrypts plaintext under a 32-byte key with AES-256-GCM,
// authenticating aad. The returned slice is ciphertext‖tag.
func SealAESGCM(key [32]byte, nonce [AEADNonceSize]byte, aad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce[:], plaintext, aad), nil
}

// OpenAESGCM decrypts and authenticates a SealAESGCM ciphertext. Returns
// ErrDecryptFailed on any authentication failure.
func OpenAESGCM(key [32]byte, nonce [AEADNonceSize]byte, aad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return gcm, nil
}
