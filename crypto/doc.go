// Package crypto implements the post-quantum cryptographic foundation of
// the messenger: deterministic identity derivation from a BIP-39 mnemonic,
// ML-DSA (Dilithium5) signing, ML-KEM (Kyber1024) encapsulation, AES-256-GCM
// AEAD framing, fingerprint computation, and sealed at-rest key storage.
//
// # Identity derivation
//
// A 24-word mnemonic plus an optional passphrase deterministically yields
// both keypairs through a fixed chain: PBKDF2-HMAC-SHA512 over the mnemonic
// produces a 64-byte master seed, which is split by HKDF-SHA512 into a
// signing seed and an encryption seed:
//
//	mnemonic, err := crypto.GenerateMnemonic()
//	seed, err := crypto.SeedFromMnemonic(mnemonic, "")
//	id, err := crypto.DeriveIdentity(seed)
//	fmt.Println("fingerprint:", id.Fingerprint)
//
// The same mnemonic always yields the same fingerprint, on any platform.
//
// # Signing and key encapsulation
//
//	sig := crypto.Sign(id.Signing, message)
//	ok := crypto.Verify(id.Signing.Public(), message, sig)
//
//	ct, sharedSecret, err := crypto.Encapsulate(id.KEM.Public())
//	sharedSecret2, err := crypto.Decapsulate(id.KEM, ct)
//
// # Sealed storage
//
// [SealedKeyFile] wraps a keypair in a self-describing, password-encrypted
// container (magic/version/alg/lengths/KDF params/nonce/tag) suitable for
// writing directly to disk; see [Seal], [SealedKeyFile.Open], and
// [ParseSealedKeyFile].
//
// # Secure memory handling
//
// Seed buffers, passwords, and derived keys must be wiped on every exit
// path. [SecureWipe] performs a constant-time XOR-with-self that survives
// compiler optimization.
package crypto
