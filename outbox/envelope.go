// Package outbox implements the Spillway direct-message protocol: the
// sender-owned, day-bucketed DHT outbox, the smart-sync scan, ACK
// publication, and the per-contact listener subscription (§4.5, §4.6,
// §6.3).
package outbox

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
)

const (
	envelopeMagic   = "DNAM"
	envelopeVersion = byte(0x02)

	fpWireSize = crypto.FingerprintSize // 64 raw bytes per fingerprint
)

// Envelope is one sealed direct message as it travels over the DHT:
// sealed to a single recipient via Kyber1024 KEM, authenticated with
// AES-256-GCM, carrying an inner Dilithium5 signature over the plaintext
// so the recipient can attribute the message to the sender identity
// independent of DHT provenance.
type Envelope struct {
	SenderFingerprint    crypto.Fingerprint
	RecipientFingerprint crypto.Fingerprint
	SeqNum               uint64
	Timestamp            time.Time
	KEMCiphertext        []byte
	AEADNonce            [crypto.AEADNonceSize]byte
	AEADCiphertext       []byte // ciphertext with GCM tag appended
}

// fingerprintBytes returns the raw (non-hex) digest bytes a fingerprint
// represents, for wire packing. fp must be Valid.
func fingerprintBytes(fp crypto.Fingerprint) ([]byte, error) {
	raw, err := hex.DecodeString(string(fp))
	if err != nil {
		return nil, fmt.Errorf("outbox: fingerprint is not valid hex: %w", err)
	}
	if len(raw) != fpWireSize {
		return nil, fmt.Errorf("outbox: fingerprint decodes to %d bytes, want %d", len(raw), fpWireSize)
	}
	return raw, nil
}

// SealEnvelope encrypts plaintext for recipientKEMPubkey, attaches a
// Dilithium5 signature over plaintext computed with senderSigning, and
// returns the wire envelope ready for Enqueue.
func SealEnvelope(senderSigning *crypto.SigningKeyPair, recipientFp crypto.Fingerprint, recipientKEMPubkey []byte, seqNum uint64, now time.Time, plaintext []byte) (*Envelope, error) {
	sig := crypto.Sign(senderSigning, plaintext)
	inner := append(append([]byte{}, plaintext...), sig...)

	kemCt, sharedSecret, err := crypto.Encapsulate(recipientKEMPubkey)
	if err != nil {
		return nil, fmt.Errorf("outbox: encapsulate to recipient: %w", err)
	}
	var sessionKey [32]byte
	copy(sessionKey[:], sharedSecret)

	nonce, err := crypto.GenerateAEADNonce()
	if err != nil {
		return nil, fmt.Errorf("outbox: generate nonce: %w", err)
	}

	senderFp := senderSigning.Fingerprint()
	aad, err := envelopeAAD(senderFp)
	if err != nil {
		return nil, err
	}

	ciphertext, err := crypto.SealAESGCM(sessionKey, nonce, aad, inner)
	if err != nil {
		return nil, fmt.Errorf("outbox: seal envelope: %w", err)
	}

	return &Envelope{
		SenderFingerprint:    senderFp,
		RecipientFingerprint: recipientFp,
		SeqNum:               seqNum,
		Timestamp:            now,
		KEMCiphertext:        kemCt,
		AEADNonce:            nonce,
		AEADCiphertext:       ciphertext,
	}, nil
}

// envelopeAAD builds "dna.dm" ‖ version ‖ sender_fp, the additional
// authenticated data bound into every envelope's AEAD seal (§6.3).
func envelopeAAD(senderFp crypto.Fingerprint) ([]byte, error) {
	senderRaw, err := fingerprintBytes(senderFp)
	if err != nil {
		return nil, err
	}
	aad := make([]byte, 0, len("dna.dm")+1+fpWireSize)
	aad = append(aad, []byte("dna.dm")...)
	aad = append(aad, envelopeVersion)
	aad = append(aad, senderRaw...)
	return aad, nil
}

// Open decrypts e using the recipient's KEM private key, verifies the
// inner Dilithium5 signature against the claimed sender identity, and
// returns the plaintext. Signature verification requires the caller to
// supply the sender's current signing public key (resolved via the
// identity keyserver), matching the "core never trusts unsigned values"
// policy: a mismatched fingerprint or bad signature is always rejected.
func (e *Envelope) Open(recipientKEM *crypto.KEMKeyPair, senderSigningPubkey []byte) ([]byte, error) {
	sharedSecret, err := crypto.Decapsulate(recipientKEM, e.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("outbox: decapsulate envelope: %w", err)
	}
	var sessionKey [32]byte
	copy(sessionKey[:], sharedSecret)

	aad, err := envelopeAAD(e.SenderFingerprint)
	if err != nil {
		return nil, err
	}

	inner, err := crypto.OpenAESGCM(sessionKey, e.AEADNonce, aad, e.AEADCiphertext)
	if err != nil {
		return nil, fmt.Errorf("outbox: open envelope: %w", err)
	}

	sigSize := crypto.SignatureSize()
	if len(inner) < sigSize {
		return nil, fmt.Errorf("outbox: envelope inner payload shorter than signature")
	}
	plaintext := inner[:len(inner)-sigSize]
	sig := inner[len(inner)-sigSize:]

	if !crypto.VerifyFingerprint(senderSigningPubkey, e.SenderFingerprint, plaintext, sig) {
		return nil, fmt.Errorf("outbox: inner signature verification failed")
	}
	return plaintext, nil
}

// Marshal serializes e into the exact §6.3 wire layout.
func (e *Envelope) Marshal() ([]byte, error) {
	senderRaw, err := fingerprintBytes(e.SenderFingerprint)
	if err != nil {
		return nil, err
	}
	recipientRaw, err := fingerprintBytes(e.RecipientFingerprint)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 4+1+fpWireSize*2+8+8+len(e.KEMCiphertext)+crypto.AEADNonceSize+len(e.AEADCiphertext))
	buf = append(buf, []byte(envelopeMagic)...)
	buf = append(buf, envelopeVersion)
	buf = append(buf, senderRaw...)
	buf = append(buf, recipientRaw...)

	var seqBytes, tsBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], e.SeqNum)
	binary.BigEndian.PutUint64(tsBytes[:], uint64(e.Timestamp.Unix()))
	buf = append(buf, seqBytes[:]...)
	buf = append(buf, tsBytes[:]...)

	buf = append(buf, e.KEMCiphertext...)
	buf = append(buf, e.AEADNonce[:]...)
	buf = append(buf, e.AEADCiphertext...)
	return buf, nil
}

// UnmarshalEnvelope parses the §6.3 wire layout. It performs only
// structural validation (magic, version, minimum length); cryptographic
// verification happens in Open.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	minLen := 4 + 1 + fpWireSize*2 + 8 + 8 + crypto.KEMCiphertextSize() + crypto.AEADNonceSize
	if len(data) < minLen {
		return nil, fmt.Errorf("outbox: envelope truncated: have %d bytes, need at least %d", len(data), minLen)
	}
	if string(data[:4]) != envelopeMagic {
		return nil, fmt.Errorf("outbox: bad envelope magic")
	}
	if data[4] != envelopeVersion {
		return nil, fmt.Errorf("outbox: unsupported envelope version %d", data[4])
	}
	off := 5

	senderRaw := data[off : off+fpWireSize]
	off += fpWireSize
	recipientRaw := data[off : off+fpWireSize]
	off += fpWireSize

	seqNum := binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	ts := binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	kemCtSize := crypto.KEMCiphertextSize()
	kemCt := append([]byte{}, data[off:off+kemCtSize]...)
	off += kemCtSize

	var nonce [crypto.AEADNonceSize]byte
	copy(nonce[:], data[off:off+crypto.AEADNonceSize])
	off += crypto.AEADNonceSize

	aeadCiphertext := append([]byte{}, data[off:]...)

	return &Envelope{
		SenderFingerprint:    crypto.Fingerprint(hex.EncodeToString(senderRaw)),
		RecipientFingerprint: crypto.Fingerprint(hex.EncodeToString(recipientRaw)),
		SeqNum:               seqNum,
		Timestamp:            time.Unix(int64(ts), 0),
		KEMCiphertext:        kemCt,
		AEADNonce:            nonce,
		AEADCiphertext:       aeadCiphertext,
	}, nil
}
