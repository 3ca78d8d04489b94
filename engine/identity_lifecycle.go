package engine

import (
	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
)

// IdentityManager performs the identity lifecycle operations (create,
// restore, load, delete) that must run before any Engine exists — there
// is no dispatch thread yet to hand a request_id to, so these run
// synchronously on the caller's goroutine and hand back the crypto.Identity
// an Engine is then constructed from via New.
type IdentityManager struct {
	keys *crypto.KeyStore
}

// NewIdentityManager opens (creating if needed) the sealed key directory
// dir.
func NewIdentityManager(dir string) (*IdentityManager, error) {
	ks, err := crypto.NewKeyStore(dir)
	if err != nil {
		return nil, err
	}
	return &IdentityManager{keys: ks}, nil
}

// Create generates a fresh 24-word mnemonic, derives an identity from it,
// and seals all three key files under password. The mnemonic is returned
// once, in the clear, for the caller to display for backup; it is never
// stored unencrypted.
func (im *IdentityManager) Create(password string) (*crypto.Identity, string, error) {
	if len(password) == 0 {
		return nil, "", errs.New(errs.PasswordTooWeak, "password must not be empty")
	}
	mnemonic, err := crypto.GenerateMnemonic()
	if err != nil {
		return nil, "", errs.Wrap(errs.Internal, err)
	}
	seed, err := crypto.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, "", errs.Wrap(errs.Internal, err)
	}
	defer crypto.ZeroBytes(seed)

	id, err := crypto.DeriveIdentity(seed)
	if err != nil {
		return nil, "", errs.Wrap(errs.Internal, err)
	}
	if err := im.sealAndWrite(id, mnemonic, password); err != nil {
		return nil, "", err
	}
	return id, mnemonic, nil
}

// Restore re-derives and seals an identity from an existing mnemonic,
// for recovery onto a new device.
func (im *IdentityManager) Restore(mnemonic, passphrase, password string) (*crypto.Identity, error) {
	if len(password) == 0 {
		return nil, errs.New(errs.PasswordTooWeak, "password must not be empty")
	}
	seed, err := crypto.SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, errs.New(errs.InvalidArgument, "invalid mnemonic")
	}
	defer crypto.ZeroBytes(seed)

	id, err := crypto.DeriveIdentity(seed)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	if err := im.sealAndWrite(id, mnemonic, password); err != nil {
		return nil, err
	}
	return id, nil
}

func (im *IdentityManager) sealAndWrite(id *crypto.Identity, mnemonic, password string) error {
	pw := []byte(password)

	signingSealed, err := crypto.Seal(crypto.AlgSigning, id.Signing.Public(), id.Signing.PrivateBytes(), pw)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	kemSealed, err := crypto.Seal(crypto.AlgKEM, id.KEM.Public(), id.KEM.PrivateBytes(), pw)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	mnemSealed, err := crypto.Seal(crypto.AlgMnemonic, []byte{}, []byte(mnemonic), pw)
	if err != nil {
		return errs.Wrap(errs.Internal, err)
	}

	if err := im.keys.WriteSealed(crypto.IdentitySigningFile, signingSealed); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	if err := im.keys.WriteSealed(crypto.IdentityKEMFile, kemSealed); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	if err := im.keys.WriteSealed(crypto.IdentityMnemonicFile, mnemSealed); err != nil {
		return errs.Wrap(errs.Internal, err)
	}
	return nil
}

// Load decrypts the sealed key files under password and reconstructs the
// identity's keypairs.
func (im *IdentityManager) Load(password string) (*crypto.Identity, error) {
	pw := []byte(password)

	signingSealed, err := im.keys.ReadSealed(crypto.IdentitySigningFile)
	if err != nil {
		return nil, errs.New(errs.IdentityNotFound, "no identity in this directory")
	}
	kemSealed, err := im.keys.ReadSealed(crypto.IdentityKEMFile)
	if err != nil {
		return nil, errs.New(errs.IdentityNotFound, "no identity in this directory")
	}

	signingPriv, err := signingSealed.Open(pw)
	if err != nil {
		return nil, errs.New(errs.WrongPassword, "")
	}
	defer crypto.ZeroBytes(signingPriv)
	kemPriv, err := kemSealed.Open(pw)
	if err != nil {
		return nil, errs.New(errs.WrongPassword, "")
	}
	defer crypto.ZeroBytes(kemPriv)

	signing, err := crypto.SigningKeyPairFromBytes(signingSealed.PublicKey, signingPriv)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	kem, err := crypto.KEMKeyPairFromBytes(kemSealed.PublicKey, kemPriv)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}

	return &crypto.Identity{Signing: signing, KEM: kem, Fingerprint: signing.Fingerprint()}, nil
}

// Delete best-effort wipes and removes every sealed key file.
func (im *IdentityManager) Delete() error {
	for _, f := range []string{crypto.IdentitySigningFile, crypto.IdentityKEMFile, crypto.IdentityMnemonicFile} {
		if err := im.keys.DeleteSealed(f); err != nil {
			return errs.Wrap(errs.Internal, err)
		}
	}
	return nil
}
