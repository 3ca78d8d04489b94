package crypto

import (
	"crypto/sha512"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/sign/dilithium"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// signingMode is the ML-DSA parameter set this module standardizes on:
// Dilithium5, NIST security level 5.
var signingMode = dilithium.Mode5

// kemScheme is the ML-KEM parameter set this module standardizes on:
// Kyber1024.
var kemScheme = kyber1024.Scheme()

// SigningKeyPair is a Dilithium5 keypair.
type SigningKeyPair struct {
	public  dilithium.PublicKey
	private dilithium.PrivateKey
}

// Public returns the raw signing public key bytes.
func (kp *SigningKeyPair) Public() []byte { return kp.public.Bytes() }

// PrivateBytes returns the raw signing private key bytes. Callers must
// zero the returned slice when done with it.
func (kp *SigningKeyPair) PrivateBytes() []byte { return kp.private.Bytes() }

// Fingerprint returns this keypair's stable identity fingerprint.
func (kp *SigningKeyPair) Fingerprint() Fingerprint {
	return ComputeFingerprint(kp.public.Bytes())
}

// KEMKeyPair is a Kyber1024 keypair.
type KEMKeyPair struct {
	public  kem.PublicKey
	private kem.PrivateKey
}

// Public returns the raw KEM public key bytes.
func (kp *KEMKeyPair) Public() []byte {
	b, _ := kp.public.MarshalBinary()
	return b
}

// PrivateBytes returns the raw KEM private key bytes.
func (kp *KEMKeyPair) PrivateBytes() []byte {
	b, _ := kp.private.MarshalBinary()
	return b
}

// Identity bundles the two keypairs derived from one mnemonic, plus the
// fingerprint projected from the signing public key.
type Identity struct {
	Signing     *SigningKeyPair
	KEM         *KEMKeyPair
	Fingerprint Fingerprint
}

// hkdfExpand derives an L-byte key from the master seed using HKDF-SHA512
// with the given info string, per §4.1 of the design.
func hkdfExpand(masterSeed []byte, info string, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := hkdf.New(sha512.New, masterSeed, nil, []byte(info)).Read(out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}

// DeriveIdentity derives a full [Identity] — Dilithium5 signing keypair,
// Kyber1024 KEM keypair, and fingerprint — from a 64-byte master seed
// produced by [SeedFromMnemonic]. Derivation is pure and deterministic:
// the same seed always yields the same fingerprint on any platform.
func DeriveIdentity(masterSeed []byte) (*Identity, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "DeriveIdentity",
		"package":  "crypto",
	})

	if len(masterSeed) != 64 {
		return nil, fmt.Errorf("master seed must be 64 bytes, got %d", len(masterSeed))
	}

	signingSeed, err := hkdfExpand(masterSeed, "dna.sign", signingMode.SeedSize())
	if err != nil {
		return nil, fmt.Errorf("derive signing seed: %w", err)
	}
	defer ZeroBytes(signingSeed)

	encryptionSeed, err := hkdfExpand(masterSeed, "dna.kem", kemScheme.SeedSize())
	if err != nil {
		return nil, fmt.Errorf("derive encryption seed: %w", err)
	}
	defer ZeroBytes(encryptionSeed)

	signingPub, signingPriv := signingMode.NewKeyFromSeed(signingSeed)
	kemPub, kemPriv := kemScheme.DeriveKeyPair(encryptionSeed)

	identity := &Identity{
		Signing: &SigningKeyPair{public: signingPub, private: signingPriv},
		KEM:     &KEMKeyPair{public: kemPub, private: kemPriv},
	}
	identity.Fingerprint = identity.Signing.Fingerprint()

	logger.WithFields(logrus.Fields{
		"fingerprint_prefix": string(identity.Fingerprint)[:16],
	}).Info("derived identity keypairs from master seed")

	return identity, nil
}

// SigningKeyPairFromBytes reconstructs a signing keypair from raw public
// and private key bytes, as loaded from a sealed key file.
func SigningKeyPairFromBytes(pub, priv []byte) (*SigningKeyPair, error) {
	pk, err := signingMode.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("unmarshal signing public key: %w", err)
	}
	sk, err := signingMode.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unmarshal signing private key: %w", err)
	}
	return &SigningKeyPair{public: pk, private: sk}, nil
}

// KEMKeyPairFromBytes reconstructs a KEM keypair from raw public and
// private key bytes, as loaded from a sealed key file.
func KEMKeyPairFromBytes(pub, priv []byte) (*KEMKeyPair, error) {
	pk, err := kemScheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("unmarshal kem public key: %w", err)
	}
	sk, err := kemScheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unmarshal kem private key: %w", err)
	}
	return &KEMKeyPair{public: pk, private: sk}, nil
}
