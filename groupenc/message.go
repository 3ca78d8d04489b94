package groupenc

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
)

const groupMessageMagic = "GMSG"

// Message is one encrypted group message, keyed by the GEK version in
// effect when it was sent and attributed to its sender via a Dilithium5
// signature (§4.7 group message encryption).
type Message struct {
	GroupUUID         string
	GEKVersion        uint32
	SenderFingerprint crypto.Fingerprint
	SeqNum            uint64
	Nonce             [crypto.AEADNonceSize]byte
	Ciphertext        []byte // AES-256-GCM(plaintext ‖ sender_sig)
}

func groupMessageAAD(groupUUID string, gekVersion uint32) []byte {
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], gekVersion)
	aad := make([]byte, 0, len(groupUUID)+4)
	aad = append(aad, []byte(groupUUID)...)
	aad = append(aad, ver[:]...)
	return aad
}

// Seal encrypts plaintext for the group using gek, signing it with the
// sender's Dilithium5 key for attribution.
func Seal(groupUUID string, gek *GEK, sender *crypto.Identity, seqNum uint64, plaintext []byte) (*Message, error) {
	sig := crypto.Sign(sender.Signing, plaintext)
	inner := append(append([]byte{}, plaintext...), sig...)

	var nonce [crypto.AEADNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("groupenc: generate message nonce: %w", err)
	}

	ct, err := crypto.SealAESGCM(gek.Key, nonce, groupMessageAAD(groupUUID, gek.Version), inner)
	if err != nil {
		return nil, fmt.Errorf("groupenc: seal group message: %w", err)
	}

	return &Message{
		GroupUUID:         groupUUID,
		GEKVersion:        gek.Version,
		SenderFingerprint: sender.Fingerprint,
		SeqNum:            seqNum,
		Nonce:             nonce,
		Ciphertext:        ct,
	}, nil
}

// Open decrypts the message using gek (which must match m.GEKVersion)
// and verifies the sender's attribution signature against
// senderSigningPubkey.
func (m *Message) Open(gek *GEK, senderSigningPubkey []byte) ([]byte, error) {
	if gek.Version != m.GEKVersion {
		return nil, errs.New(errs.InvalidArgument, "gek version does not match message")
	}
	inner, err := crypto.OpenAESGCM(gek.Key, m.Nonce, groupMessageAAD(m.GroupUUID, m.GEKVersion), m.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.DecryptFailure, err)
	}
	sigSize := crypto.SignatureSize()
	if len(inner) < sigSize {
		return nil, errs.New(errs.MalformedRecord, "group message shorter than signature size")
	}
	plaintext := inner[:len(inner)-sigSize]
	sig := inner[len(inner)-sigSize:]
	if !crypto.VerifyFingerprint(senderSigningPubkey, m.SenderFingerprint, plaintext, sig) {
		return nil, errs.New(errs.BadSignature, "group message signature invalid")
	}
	return plaintext, nil
}

// Marshal serializes the message for DHT storage:
// magic(4) ‖ gek_version(4) ‖ sender_fp(128, hex text) ‖ seq_num(8) ‖ nonce(12) ‖ ciphertext.
// group_uuid is not carried on the wire; it is implicit in the DHT key a
// message is published or fetched under.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.SenderFingerprint) != crypto.FingerprintSize*2 {
		return nil, errs.New(errs.InvalidArgument, "malformed sender fingerprint")
	}
	var buf bytes.Buffer
	buf.WriteString(groupMessageMagic)
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], m.GEKVersion)
	buf.Write(ver[:])
	buf.WriteString(string(m.SenderFingerprint))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], m.SeqNum)
	buf.Write(seq[:])
	buf.Write(m.Nonce[:])
	buf.Write(m.Ciphertext)
	return buf.Bytes(), nil
}

// UnmarshalMessage parses the wire layout produced by Marshal.
// groupUUID must be supplied by the caller (it is recovered from the
// fetch key, not the wire bytes) so AAD reconstruction succeeds.
func UnmarshalMessage(data []byte, groupUUID string) (*Message, error) {
	const fixedLen = 4 + 4 + crypto.FingerprintSize*2 + 8 + crypto.AEADNonceSize
	if len(data) < fixedLen {
		return nil, errs.New(errs.MalformedRecord, "group message too short")
	}
	if string(data[:4]) != groupMessageMagic {
		return nil, errs.New(errs.MalformedRecord, "bad group message magic")
	}
	pos := 4
	version := binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4
	fp := crypto.Fingerprint(data[pos : pos+crypto.FingerprintSize*2])
	pos += crypto.FingerprintSize * 2
	seq := binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8
	var nonce [crypto.AEADNonceSize]byte
	copy(nonce[:], data[pos:pos+crypto.AEADNonceSize])
	pos += crypto.AEADNonceSize

	return &Message{
		GroupUUID:         groupUUID,
		GEKVersion:        version,
		SenderFingerprint: fp,
		SeqNum:            seq,
		Nonce:             nonce,
		Ciphertext:        append([]byte(nil), data[pos:]...),
	}, nil
}
