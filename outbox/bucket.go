package outbox

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dnamesh/dnamessenger/crypto"
)

// MaxBucketEntries defensively bounds a single day's bucket. Days are
// boundaries, not quotas (§4.5): hitting this cap spills the entry into
// the next day's bucket rather than rejecting the send.
const MaxBucketEntries = 4096

// BucketEntry is one Spillway-queued message inside a sender's day
// bucket: the envelope sealed to recipient, plus a signature over the
// entry binding recipient, sequence number, and ciphertext together so
// a single entry can be authenticated independent of the bucket's own
// PutSigned envelope.
type BucketEntry struct {
	RecipientFingerprint crypto.Fingerprint `json:"recipient_fp"`
	SeqNum               uint64             `json:"seq_num"`
	Ciphertext           []byte             `json:"ciphertext"`
	SenderSig            []byte             `json:"sender_sig"`
}

// signingPayload returns the bytes signed over: recipient_fp ‖ seq_num ‖
// ciphertext.
func (be *BucketEntry) signingPayload() ([]byte, error) {
	recipientRaw, err := fingerprintBytes(be.RecipientFingerprint)
	if err != nil {
		return nil, err
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], be.SeqNum)

	payload := make([]byte, 0, len(recipientRaw)+8+len(be.Ciphertext))
	payload = append(payload, recipientRaw...)
	payload = append(payload, seqBytes[:]...)
	payload = append(payload, be.Ciphertext...)
	return payload, nil
}

// sign computes and attaches SenderSig.
func (be *BucketEntry) sign(senderSigning *crypto.SigningKeyPair) error {
	payload, err := be.signingPayload()
	if err != nil {
		return err
	}
	be.SenderSig = crypto.Sign(senderSigning, payload)
	return nil
}

// verify checks SenderSig against the claimed senderSigningPubkey.
func (be *BucketEntry) verify(senderFp crypto.Fingerprint, senderSigningPubkey []byte) bool {
	payload, err := be.signingPayload()
	if err != nil {
		return false
	}
	return crypto.VerifyFingerprint(senderSigningPubkey, senderFp, payload, be.SenderSig)
}

// Bucket is the append-only list stored at bucket(sender, day).
type Bucket struct {
	SenderFingerprint crypto.Fingerprint `json:"sender_fp"`
	DayIndex          int64              `json:"day_index"`
	Entries           []BucketEntry      `json:"entries"`
}

// Marshal serializes the bucket for PutSigned.
func (b *Bucket) Marshal() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal bucket: %w", err)
	}
	return data, nil
}

// UnmarshalBucket parses a bucket read back from the DHT. It performs no
// cryptographic verification; callers must verify the DHT entry's
// signature and each entry's SenderSig before trusting the contents.
func UnmarshalBucket(data []byte) (*Bucket, error) {
	var b Bucket
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("outbox: unmarshal bucket: %w", err)
	}
	return &b, nil
}

// bucketValueID derives the PutSigned value_id for a sender's day bucket.
// A bucket is rewritten in place as entries are appended, so its
// value_id is stable across the day: the first 8 bytes of the
// fingerprint's hex text packed big-endian into a uint64, XORed with
// the day index.
func bucketValueID(senderFp crypto.Fingerprint, dayIndex int64) uint64 {
	senderRaw, err := fingerprintBytes(senderFp)
	if err != nil {
		// fp has already been validated by callers; this path is
		// unreachable in practice.
		return uint64(dayIndex)
	}
	digest := []byte(hex.EncodeToString(senderRaw))
	var v uint64
	for i := 0; i < 8 && i < len(digest); i++ {
		v = v<<8 | uint64(digest[i])
	}
	return v ^ uint64(dayIndex)
}
