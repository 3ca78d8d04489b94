package crypto

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"
)

// MnemonicEntropyBits is the entropy used for the 24-word recovery phrase
// (256 bits of entropy + 8-bit checksum = 24 words).
const MnemonicEntropyBits = 256

// ErrInvalidMnemonic is returned when a mnemonic fails the BIP-39 checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic: checksum mismatch")

// GenerateMnemonic creates a new random 24-word BIP-39 recovery phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", err
	}
	defer ZeroBytes(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	return mnemonic, nil
}

// SeedFromMnemonic validates the mnemonic against the BIP-39 wordlist and
// checksum, then derives the 64-byte master seed via
// PBKDF2-HMAC-SHA512(mnemonic, "mnemonic"‖passphrase, iterations=2048).
//
// Contract: deterministic and pure. The same (mnemonic, passphrase) pair
// always yields the same seed, independent of platform.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "SeedFromMnemonic",
		"package":  "crypto",
	})

	if !bip39.IsMnemonicValid(mnemonic) {
		logger.Warn("mnemonic failed BIP-39 validation")
		return nil, ErrInvalidMnemonic
	}

	// bip39.NewSeed performs PBKDF2-HMAC-SHA512 with 2048 iterations and a
	// 64-byte output, exactly the derivation this module's seed chain
	// assumes.
	seed := bip39.NewSeed(mnemonic, passphrase)
	logger.Debug("derived master seed from mnemonic")
	return seed, nil
}
