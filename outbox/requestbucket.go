package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/dnamesh/dnamessenger/crypto"
)

// RequestEntry is one sealed contact request appended to a recipient's
// request-inbox bucket. A DM BucketEntry trusts the bucket's own
// PutSigned signer because a DM bucket has exactly one owner; a request
// bucket is appended to by any number of unrelated senders sharing the
// same PutSigned slot, so each entry must self-certify: it carries the
// sender's own signing public key and a signature binding sender,
// recipient, and ciphertext together, independent of whoever last wrote
// the bucket.
type RequestEntry struct {
	SenderFingerprint   crypto.Fingerprint `json:"sender_fp"`
	SenderSigningPubkey []byte             `json:"sender_signing_pubkey"`
	Ciphertext          []byte             `json:"ciphertext"`
	Signature           []byte             `json:"signature"`
}

// signingPayload returns the bytes signed over: sender_fp ‖ recipient_fp
// ‖ ciphertext.
func (re *RequestEntry) signingPayload(recipientFp crypto.Fingerprint) ([]byte, error) {
	senderRaw, err := fingerprintBytes(re.SenderFingerprint)
	if err != nil {
		return nil, err
	}
	recipientRaw, err := fingerprintBytes(recipientFp)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, len(senderRaw)+len(recipientRaw)+len(re.Ciphertext))
	payload = append(payload, senderRaw...)
	payload = append(payload, recipientRaw...)
	payload = append(payload, re.Ciphertext...)
	return payload, nil
}

// sign computes and attaches Signature, addressed to recipientFp.
func (re *RequestEntry) sign(recipientFp crypto.Fingerprint, senderSigning *crypto.SigningKeyPair) error {
	payload, err := re.signingPayload(recipientFp)
	if err != nil {
		return err
	}
	re.Signature = crypto.Sign(senderSigning, payload)
	return nil
}

// verify checks that SenderSigningPubkey genuinely hashes to
// SenderFingerprint and that Signature is valid over the entry as
// addressed to recipientFp. A request bucket has no bucket-level
// signer the core can trust, so this is the only authentication an
// entry gets.
func (re *RequestEntry) verify(recipientFp crypto.Fingerprint) bool {
	payload, err := re.signingPayload(recipientFp)
	if err != nil {
		return false
	}
	return crypto.VerifyFingerprint(re.SenderSigningPubkey, re.SenderFingerprint, payload, re.Signature)
}

// RequestBucket is the append-only list stored at
// dhtapi.ContactRequestBucketKey(recipient, day).
type RequestBucket struct {
	RecipientFingerprint crypto.Fingerprint `json:"recipient_fp"`
	DayIndex             int64              `json:"day_index"`
	Entries              []RequestEntry     `json:"entries"`
}

// Marshal serializes the bucket for PutSigned.
func (b *RequestBucket) Marshal() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal request bucket: %w", err)
	}
	return data, nil
}

// UnmarshalRequestBucket parses a request bucket read back from the
// DHT. It performs no cryptographic verification; callers must verify
// each entry individually before trusting it.
func UnmarshalRequestBucket(data []byte) (*RequestBucket, error) {
	var b RequestBucket
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("outbox: unmarshal request bucket: %w", err)
	}
	return &b, nil
}
