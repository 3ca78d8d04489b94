package groupenc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/dnamesh/dnamessenger/errs"
)

const ikpMagic = "GIKP"

// IKPMinTTL is the minimum lifetime an IKP must be published with
// (§4.7: "TTL >= 30 days"). Callers publishing an IKP to the DHT pass at
// least this duration.
const IKPMinTTL = 30 * 24 * time.Hour

// MemberKEMResolver resolves a member fingerprint to its Kyber1024 public
// key, needed to wrap the GEK for every recipient in an IKP.
type MemberKEMResolver interface {
	ResolveKEMPubkey(ctx context.Context, fp crypto.Fingerprint) ([]byte, error)
}

// ikpEntry is one member's wrapped-GEK slot inside a packet.
type ikpEntry struct {
	fingerprint crypto.Fingerprint
	kemCt       []byte
	wrapped     []byte // AES-256-GCM(GEK) under the per-member shared secret
}

// IKP is an Initial Key Packet: the current GEK wrapped individually for
// every group member, published at [dhtapi.IKPKey](group_uuid, version).
type IKP struct {
	GroupUUID string
	Version   uint32
	Entries   []ikpEntry
	OwnerSig  []byte
}

func ikpAAD(groupUUID string, version uint32) []byte {
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], version)
	aad := make([]byte, 0, 3+len(groupUUID)+4)
	aad = append(aad, []byte("ikp")...)
	aad = append(aad, []byte(groupUUID)...)
	aad = append(aad, ver[:]...)
	return aad
}

// entryNonce derives a deterministic, unique-per-entry AEAD nonce from
// the member's position in the packet, matching §4.7's "iv = i_as_nonce".
func entryNonce(index int) [crypto.AEADNonceSize]byte {
	var nonce [crypto.AEADNonceSize]byte
	binary.BigEndian.PutUint32(nonce[crypto.AEADNonceSize-4:], uint32(index))
	return nonce
}

// BuildIKP wraps gek for every member of g using resolver to find each
// member's KEM public key, and signs the packet with the owner's signing
// key. Only g.OwnerFingerprint may call this meaningfully: the resulting
// signature is checked against that fingerprint by ExtractIKP.
func BuildIKP(ctx context.Context, g *Group, gek *GEK, resolver MemberKEMResolver, ownerSigning *crypto.SigningKeyPair) (*IKP, error) {
	if gek.Version != g.GEKVersion {
		return nil, errs.New(errs.InvalidArgument, "gek version does not match group version")
	}
	aad := ikpAAD(g.UUID, gek.Version)

	entries := make([]ikpEntry, 0, len(g.Members))
	for i, member := range g.Members {
		pub, err := resolver.ResolveKEMPubkey(ctx, member)
		if err != nil {
			return nil, fmt.Errorf("groupenc: resolve kem pubkey for %s: %w", member, err)
		}
		ct, sharedSecret, err := crypto.Encapsulate(pub)
		if err != nil {
			return nil, fmt.Errorf("groupenc: encapsulate for %s: %w", member, err)
		}
		wrapKey, err := deriveWrapKey(sharedSecret)
		if err != nil {
			return nil, err
		}
		wrapped, err := crypto.SealAESGCM(wrapKey, entryNonce(i), aad, gek.Key[:])
		if err != nil {
			return nil, fmt.Errorf("groupenc: wrap gek for %s: %w", member, err)
		}
		entries = append(entries, ikpEntry{fingerprint: member, kemCt: ct, wrapped: wrapped})
	}

	ikp := &IKP{GroupUUID: g.UUID, Version: gek.Version, Entries: entries}
	payload, err := ikp.signingPayload()
	if err != nil {
		return nil, err
	}
	ikp.OwnerSig = crypto.Sign(ownerSigning, payload)
	return ikp, nil
}

// ExtractIKP locates self's entry in a marshaled IKP, verifies the
// owner's signature, unwraps the GEK, and returns it. The failure modes
// named in §4.7 surface as distinguishable [errs.Code] values:
// NotMember, BadSignature, MalformedRecord.
func ExtractIKP(data []byte, groupUUID string, ownerSigningPubkey []byte, ownerFp crypto.Fingerprint, self crypto.Fingerprint, selfKEM *crypto.KEMKeyPair) (*GEK, error) {
	ikp, err := UnmarshalIKP(data)
	if err != nil {
		return nil, err
	}
	// group_uuid is not carried on the wire; it is implicit in the DHT
	// key the caller fetched data from, so it is bound in here rather
	// than compared against a serialized field.
	ikp.GroupUUID = groupUUID

	payload, err := ikp.signingPayload()
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyFingerprint(ownerSigningPubkey, ownerFp, payload, ikp.OwnerSig) {
		return nil, errs.New(errs.BadSignature, "ikp signature invalid")
	}

	aad := ikpAAD(ikp.GroupUUID, ikp.Version)
	for i, entry := range ikp.Entries {
		if entry.fingerprint != self {
			continue
		}
		sharedSecret, err := crypto.Decapsulate(selfKEM, entry.kemCt)
		if err != nil {
			return nil, errs.Wrap(errs.DecryptFailure, err)
		}
		wrapKey, err := deriveWrapKey(sharedSecret)
		if err != nil {
			return nil, err
		}
		rawGEK, err := crypto.OpenAESGCM(wrapKey, entryNonce(i), aad, entry.wrapped)
		if err != nil {
			return nil, errs.Wrap(errs.DecryptFailure, err)
		}
		if len(rawGEK) != GEKSize {
			return nil, errs.New(errs.MalformedRecord, "unwrapped gek has wrong length")
		}
		gek := &GEK{Version: ikp.Version}
		copy(gek.Key[:], rawGEK)
		return gek, nil
	}
	return nil, errs.New(errs.NotMember, "no ikp entry for this fingerprint")
}

// deriveWrapKey reduces a Kyber1024 shared secret to a 32-byte AES key.
// The shared secret is already 32 bytes for Kyber1024, but callers must
// not depend on that; guard against any future scheme change.
func deriveWrapKey(sharedSecret []byte) ([32]byte, error) {
	var key [32]byte
	if len(sharedSecret) < 32 {
		return key, errs.New(errs.Internal, "kem shared secret shorter than wrap key size")
	}
	copy(key[:], sharedSecret[:32])
	return key, nil
}

// Marshal serializes the packet to the wire layout:
// magic(4) ‖ version(4) ‖ n(2) ‖ [fp_i(128, hex text) ‖ ct_len(2) ‖ ct_i ‖ wrap_len(2) ‖ wrap_i]* ‖ owner_sig.
func (ikp *IKP) Marshal() ([]byte, error) {
	if len(ikp.Entries) > 0xFFFF {
		return nil, errs.New(errs.InvalidArgument, "too many ikp entries")
	}
	var buf bytes.Buffer
	buf.WriteString(ikpMagic)
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], ikp.Version)
	buf.Write(ver[:])
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(ikp.Entries)))
	buf.Write(n[:])

	for _, e := range ikp.Entries {
		if len(e.fingerprint) != crypto.FingerprintSize*2 {
			return nil, errs.New(errs.InvalidArgument, "malformed member fingerprint")
		}
		buf.WriteString(string(e.fingerprint))
		writeLenPrefixed(&buf, e.kemCt)
		writeLenPrefixed(&buf, e.wrapped)
	}
	buf.Write(ikp.OwnerSig)
	return buf.Bytes(), nil
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(data)))
	buf.Write(l[:])
	buf.Write(data)
}

// UnmarshalIKP parses the wire layout produced by Marshal. The fixed
// Dilithium5 signature is recovered from the tail of the buffer since
// there is no length prefix for it.
func UnmarshalIKP(data []byte) (*IKP, error) {
	sigSize := crypto.SignatureSize()
	if len(data) < 4+4+2+sigSize {
		return nil, errs.New(errs.MalformedRecord, "ikp too short")
	}
	if string(data[:4]) != ikpMagic {
		return nil, errs.New(errs.MalformedRecord, "bad ikp magic")
	}
	version := binary.BigEndian.Uint32(data[4:8])
	n := binary.BigEndian.Uint16(data[8:10])

	body := data[10 : len(data)-sigSize]
	ownerSig := append([]byte(nil), data[len(data)-sigSize:]...)

	entries := make([]ikpEntry, 0, n)
	pos := 0
	fpHexLen := crypto.FingerprintSize * 2
	for i := 0; i < int(n); i++ {
		if pos+fpHexLen+2 > len(body) {
			return nil, errs.New(errs.MalformedRecord, "truncated ikp entry")
		}
		fp := crypto.Fingerprint(body[pos : pos+fpHexLen])
		pos += fpHexLen

		ct, next, err := readLenPrefixed(body, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		wrapped, next, err := readLenPrefixed(body, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		entries = append(entries, ikpEntry{fingerprint: fp, kemCt: ct, wrapped: wrapped})
	}
	if pos != len(body) {
		return nil, errs.New(errs.MalformedRecord, "trailing bytes in ikp body")
	}

	return &IKP{Version: version, Entries: entries, OwnerSig: ownerSig}, nil
}

func readLenPrefixed(body []byte, pos int) (data []byte, next int, err error) {
	if pos+2 > len(body) {
		return nil, 0, errs.New(errs.MalformedRecord, "truncated length prefix")
	}
	l := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+l > len(body) {
		return nil, 0, errs.New(errs.MalformedRecord, "truncated length-prefixed field")
	}
	return append([]byte(nil), body[pos:pos+l]...), pos + l, nil
}

// signingPayload returns the bytes the owner signs: the marshaled packet
// prefix up to (but not including) OwnerSig.
func (ikp *IKP) signingPayload() ([]byte, error) {
	if len(ikp.Entries) > 0xFFFF {
		return nil, errs.New(errs.InvalidArgument, "too many ikp entries")
	}
	var buf bytes.Buffer
	buf.WriteString(ikpMagic)
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], ikp.Version)
	buf.Write(ver[:])
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(ikp.Entries)))
	buf.Write(n[:])
	for _, e := range ikp.Entries {
		buf.WriteString(string(e.fingerprint))
		writeLenPrefixed(&buf, e.kemCt)
		writeLenPrefixed(&buf, e.wrapped)
	}
	return buf.Bytes(), nil
}
