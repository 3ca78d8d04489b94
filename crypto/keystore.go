package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

// ErrWrongPassword is returned when a sealed key file fails to decrypt
// under the supplied password. The file on disk, and the receiver in the
// case of ChangePassword, are left untouched.
var ErrWrongPassword = errors.New("crypto: wrong password")

// Container magic and layout constants for sealed key files (§4.2):
//
//	magic(8) ‖ version(2) ‖ alg_id(2) ‖ pub_len(4) ‖ priv_len(4)
//	‖ kdf_params(28) ‖ nonce(12) ‖ aead_tag(16) ‖ pub_key ‖ enc_priv
const (
	containerMagic   = "DNAKEYS1"
	containerVersion = uint16(1)

	// AlgSigning identifies a Dilithium5 signing key file (identity.dsa).
	AlgSigning = uint16(1)
	// AlgKEM identifies a Kyber1024 KEM key file (identity.kem).
	AlgKEM = uint16(2)
	// AlgMnemonic identifies an encrypted mnemonic recovery file (identity.mnem).
	AlgMnemonic = uint16(3)

	// IdentitySigningFile, IdentityKEMFile, IdentityMnemonicFile are the
	// canonical on-disk names for a sealed identity's three key files.
	IdentitySigningFile  = "identity.dsa"
	IdentityKEMFile      = "identity.kem"
	IdentityMnemonicFile = "identity.mnem"

	kdfSaltSize = 16
	// kdfParamsSize packs salt(16) ‖ time(4) ‖ memoryKiB(4) ‖ threads(4).
	kdfParamsSize = 28

	argon2Time      = 3
	argon2MemoryKiB = 64 * 1024
	argon2Threads   = 1
	argon2KeyLen    = 32
)

var keystoreLog = logrus.WithField("package", "crypto")

// kdfParams holds the Argon2id parameters embedded in a sealed key file so
// that tuning them in the future doesn't break containers written today.
type kdfParams struct {
	salt    [kdfSaltSize]byte
	time    uint32
	memory  uint32
	threads uint32
}

func newKDFParams() (*kdfParams, error) {
	p := &kdfParams{time: argon2Time, memory: argon2MemoryKiB, threads: argon2Threads}
	if _, err := io.ReadFull(rand.Reader, p.salt[:]); err != nil {
		return nil, fmt.Errorf("generate kdf salt: %w", err)
	}
	return p, nil
}

func (p *kdfParams) pack() [kdfParamsSize]byte {
	var out [kdfParamsSize]byte
	copy(out[0:16], p.salt[:])
	binary.BigEndian.PutUint32(out[16:20], p.time)
	binary.BigEndian.PutUint32(out[20:24], p.memory)
	binary.BigEndian.PutUint32(out[24:28], p.threads)
	return out
}

func unpackKDFParams(raw [kdfParamsSize]byte) *kdfParams {
	p := &kdfParams{}
	copy(p.salt[:], raw[0:16])
	p.time = binary.BigEndian.Uint32(raw[16:20])
	p.memory = binary.BigEndian.Uint32(raw[20:24])
	p.threads = binary.BigEndian.Uint32(raw[24:28])
	return p
}

func (p *kdfParams) deriveKey(password []byte) [32]byte {
	var key [32]byte
	derived := argon2.IDKey(password, p.salt[:], p.time, p.memory, uint8(p.threads), argon2KeyLen)
	copy(key[:], derived)
	ZeroBytes(derived)
	return key
}

// SealedKeyFile is the parsed form of a sealed key container: a
// self-describing file holding a cleartext public key and a
// password-encrypted private key.
type SealedKeyFile struct {
	AlgID      uint16
	PublicKey  []byte
	privateEnc []byte
	nonce      [AEADNonceSize]byte
	tag        [16]byte
	kdf        *kdfParams
}

// Seal encrypts priv under password and bundles it with the cleartext pub
// into a [SealedKeyFile]. Enforcing a non-empty password is the caller's
// responsibility; Seal itself only wraps whatever bytes it is given.
func Seal(algID uint16, pub, priv, password []byte) (*SealedKeyFile, error) {
	params, err := newKDFParams()
	if err != nil {
		return nil, err
	}
	key := params.deriveKey(password)
	defer ZeroBytes(key[:])

	nonce, err := GenerateAEADNonce()
	if err != nil {
		return nil, err
	}

	aad := sealAAD(algID, pub)
	sealed, err := SealAESGCM(key, nonce, aad, priv)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}

	tagStart := len(sealed) - 16
	skf := &SealedKeyFile{
		AlgID:      algID,
		PublicKey:  append([]byte(nil), pub...),
		privateEnc: append([]byte(nil), sealed[:tagStart]...),
		nonce:      nonce,
		kdf:        params,
	}
	copy(skf.tag[:], sealed[tagStart:])
	return skf, nil
}

// Open decrypts the wrapped private key under password. Returns
// ErrWrongPassword without mutating skf if authentication fails.
func (skf *SealedKeyFile) Open(password []byte) ([]byte, error) {
	key := skf.kdf.deriveKey(password)
	defer ZeroBytes(key[:])

	aad := sealAAD(skf.AlgID, skf.PublicKey)
	ciphertext := append(append([]byte(nil), skf.privateEnc...), skf.tag[:]...)
	priv, err := OpenAESGCM(key, skf.nonce, aad, ciphertext)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return priv, nil
}

// ChangePassword re-derives the KDF salt and re-wraps the private key under
// newPassword in place. On a failed oldPassword check it returns
// ErrWrongPassword and leaves skf completely unmodified.
func (skf *SealedKeyFile) ChangePassword(oldPassword, newPassword []byte) error {
	priv, err := skf.Open(oldPassword)
	if err != nil {
		return err
	}
	defer ZeroBytes(priv)

	resealed, err := Seal(skf.AlgID, skf.PublicKey, priv, newPassword)
	if err != nil {
		return fmt.Errorf("reseal under new password: %w", err)
	}
	*skf = *resealed
	return nil
}

func sealAAD(algID uint16, pub []byte) []byte {
	var algBuf [2]byte
	binary.BigEndian.PutUint16(algBuf[:], algID)
	return append(algBuf[:], pub...)
}

// Marshal serializes the sealed key file to its on-disk container format.
func (skf *SealedKeyFile) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(containerMagic)
	writeU16(&buf, containerVersion)
	writeU16(&buf, skf.AlgID)
	writeU32(&buf, uint32(len(skf.PublicKey)))
	writeU32(&buf, uint32(len(skf.privateEnc)))
	params := skf.kdf.pack()
	buf.Write(params[:])
	buf.Write(skf.nonce[:])
	buf.Write(skf.tag[:])
	buf.Write(skf.PublicKey)
	buf.Write(skf.privateEnc)
	return buf.Bytes()
}

// ParseSealedKeyFile parses the on-disk container format produced by
// Marshal without attempting decryption; call Open for that.
func ParseSealedKeyFile(data []byte) (*SealedKeyFile, error) {
	const headerSize = 8 + 2 + 2 + 4 + 4 + kdfParamsSize + AEADNonceSize + 16
	if len(data) < headerSize {
		return nil, errors.New("crypto: key file too short")
	}
	if string(data[0:8]) != containerMagic {
		return nil, errors.New("crypto: bad key file magic")
	}
	version := binary.BigEndian.Uint16(data[8:10])
	if version != containerVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", version)
	}
	algID := binary.BigEndian.Uint16(data[10:12])
	pubLen := binary.BigEndian.Uint32(data[12:16])
	privLen := binary.BigEndian.Uint32(data[16:20])

	offset := 20
	var rawParams [kdfParamsSize]byte
	copy(rawParams[:], data[offset:offset+kdfParamsSize])
	offset += kdfParamsSize

	var nonce [AEADNonceSize]byte
	copy(nonce[:], data[offset:offset+AEADNonceSize])
	offset += AEADNonceSize

	var tag [16]byte
	copy(tag[:], data[offset:offset+16])
	offset += 16

	if len(data) < offset+int(pubLen)+int(privLen) {
		return nil, errors.New("crypto: key file truncated")
	}
	pub := append([]byte(nil), data[offset:offset+int(pubLen)]...)
	offset += int(pubLen)
	privEnc := append([]byte(nil), data[offset:offset+int(privLen)]...)

	return &SealedKeyFile{
		AlgID:      algID,
		PublicKey:  pub,
		privateEnc: privEnc,
		nonce:      nonce,
		tag:        tag,
		kdf:        unpackKDFParams(rawParams),
	}, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// KeyStore manages the sealed key files for one identity directory on
// disk. It performs atomic writes (temp file + rename) and best-effort
// secure deletion, matching the at-rest handling conventions expected of
// the wallet-adjacent parts of this codebase.
type KeyStore struct {
	dir string
}

// NewKeyStore creates (if needed) and returns a handle on an identity
// directory that will hold identity.dsa, identity.kem, and identity.mnem.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key store directory: %w", err)
	}
	return &KeyStore{dir: dir}, nil
}

// WriteSealed atomically writes a sealed key file to filename within the
// store directory.
func (ks *KeyStore) WriteSealed(filename string, skf *SealedKeyFile) error {
	data := skf.Marshal()
	tmp := filepath.Join(ks.dir, filename+".tmp")
	final := filepath.Join(ks.dir, filename)

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temporary key file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename key file into place: %w", err)
	}
	keystoreLog.WithField("file", filename).Info("sealed key file written")
	return nil
}

// ReadSealed reads and parses a sealed key file from the store directory.
func (ks *KeyStore) ReadSealed(filename string) (*SealedKeyFile, error) {
	data, err := os.ReadFile(filepath.Join(ks.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", filename, err)
	}
	return ParseSealedKeyFile(data)
}

// DeleteSealed best-effort overwrites then removes a key file. A missing
// file is not an error.
func (ks *KeyStore) DeleteSealed(filename string) error {
	path := filepath.Join(ks.dir, filename)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat key file %s: %w", filename, err)
	}
	zeros := make([]byte, info.Size())
	if err := os.WriteFile(path, zeros, 0o600); err != nil {
		return os.Remove(path)
	}
	return os.Remove(path)
}
